package market

import (
	"sync"

	"github.com/shopspring/decimal"
)

// SupplyPool tracks unclaimed seller surplus within the current cycle.
// It is deliberately not durable: a process restart loses unmatched supply,
// which is acceptable because sellers re-offer every cycle.
//
// Offer and Match serialize on one mutex; in the combined simulation variant
// several schedulers share a single pool.
type SupplyPool struct {
	mu      sync.Mutex
	order   []string
	balance map[string]decimal.Decimal
}

// NewSupplyPool constructs an empty pool.
func NewSupplyPool() *SupplyPool {
	return &SupplyPool{balance: make(map[string]decimal.Decimal)}
}

// Offer sets the seller's available surplus for the current cycle. An offer
// replaces whatever the same seller left unconsumed from an earlier cycle;
// offers are not additive across cycles. Negative offers are ignored.
func (p *SupplyPool) Offer(sellerID string, deltaGenerated float64) {
	if sellerID == "" || deltaGenerated < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.balance[sellerID]; !ok {
		p.order = append(p.order, sellerID)
	}
	p.balance[sellerID] = decimal.NewFromFloat(deltaGenerated)
}

// Match deducts up to deltaConsumed from the pool and returns the amount
// actually covered. Sellers drain in the order of their first offer, each
// fully exhausted before the next. A zero return means no supply was
// available and the caller should not charge the buyer this cycle.
func (p *SupplyPool) Match(deltaConsumed float64) float64 {
	if deltaConsumed <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	demand := decimal.NewFromFloat(deltaConsumed)
	available := p.availableLocked()
	matched := decimal.Min(demand, available)

	remaining := matched
	for _, seller := range p.order {
		if remaining.IsZero() {
			break
		}
		have := p.balance[seller]
		if have.IsZero() {
			continue
		}
		take := decimal.Min(have, remaining)
		p.balance[seller] = have.Sub(take)
		remaining = remaining.Sub(take)
	}

	value, _ := matched.Float64()
	return value
}

// Available returns the total unclaimed surplus in the pool.
func (p *SupplyPool) Available() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, _ := p.availableLocked().Float64()
	return value
}

// Balances returns a copy of the per-seller balances.
func (p *SupplyPool) Balances() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make(map[string]float64, len(p.balance))
	for seller, amount := range p.balance {
		value, _ := amount.Float64()
		result[seller] = value
	}
	return result
}

func (p *SupplyPool) availableLocked() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range p.balance {
		total = total.Add(amount)
	}
	return total
}
