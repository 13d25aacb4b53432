package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"microgrid-ledger/internal/participant"
)

// Fixed gas limits per contract call, sized generously for the known ABI.
const (
	gasLimitApprove = 100_000
	gasLimitReport  = 150_000
	gasLimitPay     = 250_000
	gasLimitReset   = 100_000

	receiptPollInterval = 2 * time.Second
)

var (
	// approveCeiling is the allowance granted when an approval is needed,
	// large enough to amortize future approvals.
	approveCeiling = exp10(27)
	// approveThreshold is the minimum allowance payEnergy requires before
	// submitting a fresh approval.
	approveThreshold = exp10(24)
)

// Backend is the subset of the Ethereum JSON-RPC client the settlement
// client uses. *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client constructs, signs, and submits settlement transactions against the
// energy market and its payment token. Each submission fetches the
// pending-inclusive nonce immediately before building the call and blocks
// until a receipt is obtained.
type Client struct {
	backend      Backend
	chainID      *big.Int
	token        common.Address
	market       common.Address
	tokenABI     abi.ABI
	marketABI    abi.ABI
	logger       *log.Logger
	pollInterval time.Duration
}

// Household mirrors the market contract's per-house accounting row.
type Household struct {
	Generated   *big.Int
	Consumed    *big.Int
	PricePerKWh *big.Int
}

// NewClient constructs a settlement client.
func NewClient(backend Backend, chainID *big.Int, tokenAddr, marketAddr common.Address, logger *log.Logger) (*Client, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("settlement: invalid chain id")
	}
	if tokenAddr == (common.Address{}) || marketAddr == (common.Address{}) {
		return nil, errors.New("settlement: missing contract address")
	}
	tokenABI, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		return nil, fmt.Errorf("settlement: token abi: %w", err)
	}
	marketABI, err := abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		return nil, fmt.Errorf("settlement: market abi: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		backend:      backend,
		chainID:      new(big.Int).Set(chainID),
		token:        tokenAddr,
		market:       marketAddr,
		tokenABI:     tokenABI,
		marketABI:    marketABI,
		logger:       logger,
		pollInterval: receiptPollInterval,
	}, nil
}

// ApproveIfNeeded ensures the market contract may pull at least required
// tokens from the account. When the current allowance is below required it
// approves the large ceiling and blocks until the approval confirms.
func (c *Client) ApproveIfNeeded(ctx context.Context, acct *participant.Account, required *big.Int) error {
	if acct == nil {
		return ErrNilAccount
	}
	allowance, err := c.Allowance(ctx, acct.Address, c.market)
	if err != nil {
		return &SubmissionError{Op: "allowance", Err: err}
	}
	if allowance.Cmp(required) >= 0 {
		return nil
	}
	data, err := c.tokenABI.Pack("approve", c.market, approveCeiling)
	if err != nil {
		return &SubmissionError{Op: "approve", Err: err}
	}
	c.logger.Printf("settlement approve: account=%s ceiling=%s", acct.Address.Hex(), approveCeiling.String())
	_, err = c.submit(ctx, "approve", acct, c.token, data, gasLimitApprove)
	return err
}

// ReportEnergy submits the per-cycle deltas in milli-kWh. It is attempted
// once per non-baseline cycle even when both values are zero, keeping the
// contract's attendance record continuous.
func (c *Client) ReportEnergy(ctx context.Context, acct *participant.Account, generated, consumed *big.Int) error {
	if acct == nil {
		return ErrNilAccount
	}
	data, err := c.marketABI.Pack("reportEnergy", generated, consumed)
	if err != nil {
		return &SubmissionError{Op: "reportEnergy", Err: err}
	}
	_, err = c.submit(ctx, "reportEnergy", acct, c.market, data, gasLimitReport)
	return err
}

// PayEnergy charges the account for its cycle deficit. The market contract
// resolves the price per unit; this call only carries the quantity. Approval
// is ensured first.
func (c *Client) PayEnergy(ctx context.Context, acct *participant.Account, kwhRequested *big.Int) error {
	if acct == nil {
		return ErrNilAccount
	}
	if err := c.ApproveIfNeeded(ctx, acct, approveThreshold); err != nil {
		return err
	}
	data, err := c.marketABI.Pack("payEnergy", acct.Address, kwhRequested)
	if err != nil {
		return &SubmissionError{Op: "payEnergy", Err: err}
	}
	_, err = c.submit(ctx, "payEnergy", acct, c.market, data, gasLimitPay)
	return err
}

// ResetEnergy zeroes the account's contract-side counters. Called on
// graceful shutdown.
func (c *Client) ResetEnergy(ctx context.Context, acct *participant.Account) error {
	if acct == nil {
		return ErrNilAccount
	}
	data, err := c.marketABI.Pack("resetEnergy")
	if err != nil {
		return &SubmissionError{Op: "resetEnergy", Err: err}
	}
	_, err = c.submit(ctx, "resetEnergy", acct, c.market, data, gasLimitReset)
	return err
}

// SetPrice configures the market price for a house. Administrative.
func (c *Client) SetPrice(ctx context.Context, acct *participant.Account, house common.Address, pricePerKWh *big.Int) error {
	if acct == nil {
		return ErrNilAccount
	}
	data, err := c.marketABI.Pack("setPrice", house, pricePerKWh)
	if err != nil {
		return &SubmissionError{Op: "setPrice", Err: err}
	}
	_, err = c.submit(ctx, "setPrice", acct, c.market, data, gasLimitApprove)
	return err
}

// submit runs the shared transaction protocol: pending nonce, suggested gas
// price with a 1.2x margin, local signing, broadcast, and a blocking wait
// for the receipt. A reverting receipt is a failed settlement.
func (c *Client) submit(ctx context.Context, op string, acct *participant.Account, to common.Address, data []byte, gasLimit uint64) (*types.Receipt, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, acct.Address)
	if err != nil {
		return nil, &SubmissionError{Op: op, Err: err}
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SubmissionError{Op: op, Err: err}
	}
	gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(12)), big.NewInt(10))

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), acct.Key())
	if err != nil {
		return nil, &SubmissionError{Op: op, Err: err}
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, &SubmissionError{Op: op, TxHash: signed.Hash(), Err: err}
	}
	receipt, err := c.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, &SubmissionError{Op: op, TxHash: signed.Hash(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &SubmissionError{Op: op, TxHash: signed.Hash(), Err: ErrReverted}
	}
	c.logger.Printf("settlement %s confirmed: account=%s tx=%s nonce=%d", op, acct.Address.Hex(), signed.Hash().Hex(), nonce)
	return receipt, nil
}

// waitReceipt polls for the transaction receipt until found or the context
// ends. RPC errors during the wait are treated as transient: the tx may
// still mine, so polling continues until the context deadline.
func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Printf("settlement receipt poll: tx=%s: %v", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ---- Read-only contract surface ----

// Allowance returns the token allowance for (owner, spender).
func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.token, c.tokenABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// TokenBalance returns the token balance of owner in base units (18
// decimals).
func (c *Client) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.token, c.tokenABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Household returns the market contract's accounting row for a house.
func (c *Client) Household(ctx context.Context, house common.Address) (Household, error) {
	out, err := c.call(ctx, c.market, c.marketABI, "households", house)
	if err != nil {
		return Household{}, err
	}
	return Household{
		Generated:   out[0].(*big.Int),
		Consumed:    out[1].(*big.Int),
		PricePerKWh: out[2].(*big.Int),
	}, nil
}

// HouseholdList returns all registered house addresses.
func (c *Client) HouseholdList(ctx context.Context) ([]common.Address, error) {
	out, err := c.call(ctx, c.market, c.marketABI, "householdList")
	if err != nil {
		return nil, err
	}
	return out[0].([]common.Address), nil
}

// GetPrice returns the configured price per kWh for a house.
func (c *Client) GetPrice(ctx context.Context, house common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.market, c.marketABI, "getPrice", house)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *Client) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("settlement: call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("settlement: unpack %s: %w", method, err)
	}
	return out, nil
}

func exp10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
