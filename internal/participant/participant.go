package participant

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Role determines which meter channels a participant reads and which
// settlement actions it may take.
type Role string

const (
	RoleSellOnly Role = "SELL_ONLY"
	RoleBuyOnly  Role = "BUY_ONLY"
	RoleProsumer Role = "PROSUMER"
)

// ParseRole validates a role string.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleSellOnly, RoleBuyOnly, RoleProsumer:
		return Role(value), nil
	default:
		return "", ErrInvalidRole
	}
}

// Policy describes the per-cycle behavior a role implies.
type Policy struct {
	ReadsGeneration  bool
	ReadsConsumption bool
	OffersSupply     bool
	MatchesDemand    bool
}

var policyByRole = map[Role]Policy{
	RoleSellOnly: {ReadsGeneration: true, OffersSupply: true},
	RoleBuyOnly:  {ReadsConsumption: true, MatchesDemand: true},
	// A prosumer reads both channels but never feeds the pool: its surplus
	// settles on chain, only dedicated sellers supply the local market.
	RoleProsumer: {ReadsGeneration: true, ReadsConsumption: true, MatchesDemand: true},
}

// Policy returns the behavior table entry for the role.
func (r Role) Policy() Policy {
	return policyByRole[r]
}

// Account holds a participant's chain identity. The private key is a secret
// capability: it never appears in logs or String output.
type Account struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// NewAccount derives an account from a hex-encoded private key.
func NewAccount(hexKey string) (*Account, error) {
	if hexKey == "" {
		return nil, ErrMissingKey
	}
	key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &Account{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}, nil
}

// Key returns the signing key.
func (a *Account) Key() *ecdsa.PrivateKey {
	if a == nil {
		return nil
	}
	return a.key
}

// String returns only the public address.
func (a *Account) String() string {
	if a == nil {
		return ""
	}
	return a.Address.Hex()
}

func trimHexPrefix(value string) string {
	if len(value) >= 2 && value[0] == '0' && (value[1] == 'x' || value[1] == 'X') {
		return value[2:]
	}
	return value
}
