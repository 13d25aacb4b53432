package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"microgrid-ledger/internal/cycle"
	ledger "microgrid-ledger/internal/ledger/domain"
	"microgrid-ledger/internal/observability/metrics"
	"microgrid-ledger/internal/participant"
)

const defaultHistoryLimit = 20

// SnapshotProvider exposes the last completed cycle of a scheduler.
type SnapshotProvider interface {
	Snapshot() *cycle.Snapshot
}

// HistoryStore is the read side of a participant's energy log.
type HistoryStore interface {
	Recent(ctx context.Context, limit int) ([]ledger.EnergyRecord, error)
	MonthlySummary(ctx context.Context, at time.Time) (ledger.MonthlySummary, error)
}

// ChainReader reads settlement contract state.
type ChainReader interface {
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	GetPrice(ctx context.Context, house common.Address) (*big.Int, error)
}

// PriceSetter updates a household's tariff on the market contract.
type PriceSetter interface {
	SetPrice(ctx context.Context, acct *participant.Account, house common.Address, pricePerKWh *big.Int) error
}

// Participant is one registered fleet member with its read surfaces.
type Participant struct {
	Name     string
	Address  common.Address
	Provider SnapshotProvider
	History  HistoryStore
}

// Handler serves the fleet status API.
type Handler struct {
	participants []Participant
	byName       map[string]Participant
	chain        ChainReader
	priceSetter  PriceSetter
	operator     *participant.Account
}

// Option configures a Handler.
type Option func(*Handler)

// WithChainReader attaches contract reads so responses include token
// balances and tariffs.
func WithChainReader(chain ChainReader) Option {
	return func(h *Handler) { h.chain = chain }
}

// WithPriceSetter enables the tariff update endpoint. The operator account
// must be the market contract owner.
func WithPriceSetter(setter PriceSetter, operator *participant.Account) Option {
	return func(h *Handler) {
		h.priceSetter = setter
		h.operator = operator
	}
}

// NewHandler constructs the status handler for a fleet.
func NewHandler(participants []Participant, opts ...Option) (*Handler, error) {
	if len(participants) == 0 {
		return nil, errors.New("status: no participants")
	}
	byName := make(map[string]Participant, len(participants))
	for _, p := range participants {
		if p.Name == "" || p.Provider == nil || p.History == nil {
			return nil, fmt.Errorf("status: incomplete participant %q", p.Name)
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("status: duplicate participant %q", p.Name)
		}
		byName[p.Name] = p
	}
	h := &Handler{participants: participants, byName: byName}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// statusView is one participant in the fleet status response.
type statusView struct {
	Participant  string          `json:"participant"`
	Address      string          `json:"address"`
	Snapshot     *cycle.Snapshot `json:"snapshot,omitempty"`
	TokenBalance *float64        `json:"token_balance,omitempty"`
	PriceWeiKWh  string          `json:"price_wei_per_kwh,omitempty"`
}

// ServeHTTP routes the status API.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/v1/status" && r.Method == http.MethodGet:
		h.handleStatus(w, r)
	case path == "/api/v1/price" && r.Method == http.MethodGet:
		h.handleGetPrice(w, r)
	case path == "/api/v1/price" && r.Method == http.MethodPost:
		h.handleSetPrice(w, r)
	case path == "/api/v1/exports/monthly.xlsx" && r.Method == http.MethodGet:
		h.handleExport(w, r, formatXLSX)
	case path == "/api/v1/exports/monthly.pdf" && r.Method == http.MethodGet:
		h.handleExport(w, r, formatPDF)
	case strings.HasPrefix(path, "/api/v1/participants/"):
		h.handleParticipant(w, r, strings.TrimPrefix(path, "/api/v1/participants/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	views := make([]statusView, 0, len(h.participants))
	for _, p := range h.participants {
		view := statusView{
			Participant: p.Name,
			Address:     p.Address.Hex(),
			Snapshot:    p.Provider.Snapshot(),
		}
		if h.chain != nil {
			if wei, err := h.chain.TokenBalance(r.Context(), p.Address); err == nil {
				balance := tokensFromWei(wei)
				view.TokenBalance = &balance
			}
			if price, err := h.chain.GetPrice(r.Context(), p.Address); err == nil {
				view.PriceWeiKWh = price.String()
			}
		}
		views = append(views, view)
	}
	writeJSON(w, map[string]any{"participants": views})
}

func (h *Handler) handleParticipant(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	p, ok := h.byName[parts[0]]
	if !ok {
		http.Error(w, "unknown participant", http.StatusNotFound)
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "history":
		h.handleHistory(w, r, p)
	case "monthly":
		h.handleMonthly(w, r, p)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// historyRow is one ledger row in API responses.
type historyRow struct {
	ID             int64     `json:"id"`
	TotalGenerated float64   `json:"total_generated"`
	TotalConsumed  float64   `json:"total_consumed"`
	DeltaGenerated float64   `json:"delta_generated"`
	DeltaConsumed  float64   `json:"delta_consumed"`
	Timestamp      time.Time `json:"timestamp"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, p Participant) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	records, err := p.History.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	rows := make([]historyRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, historyRow{
			ID:             rec.ID,
			TotalGenerated: rec.TotalGenerated,
			TotalConsumed:  rec.TotalConsumed,
			DeltaGenerated: rec.DeltaGenerated,
			DeltaConsumed:  rec.DeltaConsumed,
			Timestamp:      rec.Timestamp,
		})
	}
	writeJSON(w, map[string]any{"participant": p.Name, "rows": rows})
}

func (h *Handler) handleMonthly(w http.ResponseWriter, r *http.Request, p Participant) {
	at, err := parseMonth(r.URL.Query().Get("month"))
	if err != nil {
		http.Error(w, "invalid month", http.StatusBadRequest)
		return
	}
	summary, err := p.History.MonthlySummary(r.Context(), at)
	if err != nil {
		http.Error(w, "summary unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"participant":   p.Name,
		"month":         summary.Month.Format("2006-01"),
		"generated_kwh": summary.GeneratedKWh,
		"consumed_kwh":  summary.ConsumedKWh,
		"net_kwh":       summary.NetKWh,
		"rows":          summary.Rows,
	})
}

func (h *Handler) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	if h.chain == nil {
		http.Error(w, "chain reads disabled", http.StatusNotImplemented)
		return
	}
	house, err := parseAddress(r.URL.Query().Get("house"))
	if err != nil {
		http.Error(w, "invalid house address", http.StatusBadRequest)
		return
	}
	price, err := h.chain.GetPrice(r.Context(), house)
	if err != nil {
		http.Error(w, "price unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{
		"house":             house.Hex(),
		"price_wei_per_kwh": price.String(),
	})
}

func (h *Handler) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	if h.priceSetter == nil || h.operator == nil {
		http.Error(w, "price updates disabled", http.StatusNotImplemented)
		return
	}
	var req struct {
		House          string `json:"house"`
		PriceWeiPerKWh string `json:"price_wei_per_kwh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	house, err := parseAddress(req.House)
	if err != nil {
		http.Error(w, "invalid house address", http.StatusBadRequest)
		return
	}
	price, ok := new(big.Int).SetString(req.PriceWeiPerKWh, 10)
	if !ok || price.Sign() < 0 {
		http.Error(w, "invalid price", http.StatusBadRequest)
		return
	}
	if err := h.priceSetter.SetPrice(r.Context(), h.operator, house, price); err != nil {
		http.Error(w, "price update failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{
		"house":             house.Hex(),
		"price_wei_per_kwh": price.String(),
	})
}

// parseMonth accepts "2006-01" and defaults to the current month.
func parseMonth(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	return time.Parse("2006-01", raw)
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("status: not a hex address")
	}
	return common.HexToAddress(raw), nil
}

// tokensFromWei converts an 18-decimal token amount to whole tokens.
func tokensFromWei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	value, _ := decimal.NewFromBigInt(wei, -18).Float64()
	return value
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func observeExport(format string, err error, start time.Time) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveExport(format, result, time.Since(start))
}
