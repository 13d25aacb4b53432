package market

import (
	"math/rand"
	"testing"
)

func TestMatchDrainsInOfferOrder(t *testing.T) {
	pool := NewSupplyPool()
	pool.Offer("S1", 5)
	pool.Offer("S2", 3)

	matched := pool.Match(6)
	if matched != 6 {
		t.Fatalf("matched = %v, want 6", matched)
	}
	balances := pool.Balances()
	if balances["S1"] != 0 {
		t.Fatalf("S1 balance = %v, want 0", balances["S1"])
	}
	if balances["S2"] != 2 {
		t.Fatalf("S2 balance = %v, want 2", balances["S2"])
	}
}

func TestMatchCapsAtAvailable(t *testing.T) {
	pool := NewSupplyPool()
	pool.Offer("S1", 1.5)

	matched := pool.Match(4)
	if matched != 1.5 {
		t.Fatalf("matched = %v, want 1.5", matched)
	}
	if pool.Available() != 0 {
		t.Fatalf("available = %v, want 0", pool.Available())
	}
}

func TestMatchEmptyPool(t *testing.T) {
	pool := NewSupplyPool()
	if matched := pool.Match(2); matched != 0 {
		t.Fatalf("matched = %v, want 0 with empty pool", matched)
	}
}

func TestMatchZeroDemand(t *testing.T) {
	pool := NewSupplyPool()
	pool.Offer("S1", 5)
	if matched := pool.Match(0); matched != 0 {
		t.Fatalf("matched = %v, want 0 for zero demand", matched)
	}
	if pool.Available() != 5 {
		t.Fatalf("available = %v, want 5 untouched", pool.Available())
	}
}

func TestOfferReplacesNotAccumulates(t *testing.T) {
	pool := NewSupplyPool()
	pool.Offer("S1", 5)
	pool.Offer("S1", 2)
	if pool.Available() != 2 {
		t.Fatalf("available = %v, want 2 (replace semantics)", pool.Available())
	}
}

func TestOfferIgnoresNegative(t *testing.T) {
	pool := NewSupplyPool()
	pool.Offer("S1", -3)
	if pool.Available() != 0 {
		t.Fatalf("available = %v, want 0", pool.Available())
	}
}

// Conservation: remaining pool plus total matched never exceeds total
// offered, for arbitrary offer/match interleavings.
func TestMatchConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := NewSupplyPool()

	sellers := []string{"S1", "S2", "S3", "S4"}
	offered := make(map[string]float64)
	var matchedTotal float64

	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			seller := sellers[rng.Intn(len(sellers))]
			amount := float64(rng.Intn(10000)) / 1000.0
			pool.Offer(seller, amount)
			offered[seller] = amount
		} else {
			matchedTotal += pool.Match(float64(rng.Intn(5000)) / 1000.0)
		}

		var offeredSinceLastReplace float64
		for _, amount := range offered {
			offeredSinceLastReplace += amount
		}
		if pool.Available() > offeredSinceLastReplace+1e-9 {
			t.Fatalf("pool available %v exceeds last offered totals %v", pool.Available(), offeredSinceLastReplace)
		}
		if pool.Available() < 0 {
			t.Fatalf("pool available went negative: %v", pool.Available())
		}
	}
	if matchedTotal < 0 {
		t.Fatalf("total matched went negative: %v", matchedTotal)
	}
}
