// Package api exposes the ledger over HTTP and JSON.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/ledger"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
)

// Ledger is the engine surface the API serves. *ledger.Engine satisfies it.
type Ledger interface {
	Onboard(ctx context.Context, req ledger.OnboardRequest) (*domain.Advisor, error)
	Advisor(ctx context.Context, advisor common.Address) (*domain.Advisor, error)
	AdvisorName(ctx context.Context, advisor common.Address) (string, error)
	Advisors(ctx context.Context) ([]*domain.Advisor, error)

	Invest(ctx context.Context, req ledger.InvestRequest) (*ledger.InvestmentReceipt, error)
	InvestorInfo(ctx context.Context, investor common.Address) (*domain.InvestorInfo, error)
	InvestorAdvisors(ctx context.Context, investor common.Address) ([]common.Address, error)
	Position(ctx context.Context, investor, advisor common.Address) (*domain.Position, error)
	Pool(ctx context.Context, pool common.Address) (*domain.Pool, error)

	CreateToken(ctx context.Context, req ledger.CreateTokenRequest) (*domain.Token, error)
	MintOwnershipTokens(ctx context.Context, req ledger.MintRequest) (*ledger.MintResult, error)
	Token(ctx context.Context, addr common.Address) (*domain.Token, error)
	TokenAt(ctx context.Context, i int) (*domain.Token, error)
	Tokens(ctx context.Context) ([]*domain.Token, error)
	RootToken(ctx context.Context) (*domain.Token, error)
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)

	Events(ctx context.Context, afterSeq int64, limit int) ([]*domain.Event, error)
}

// Compile-time interface check.
var _ Ledger = (*ledger.Engine)(nil)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the ledger API.
type Handler struct {
	ledger Ledger
	stream http.Handler
	logger *zap.Logger
}

// NewHandler creates a handler. stream serves /v1/events/stream and may be nil.
func NewHandler(l Ledger, stream http.Handler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: l, stream: stream, logger: logger}
}

// Routes returns the API mux wrapped in request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/advisors", h.handleOnboard)
	mux.HandleFunc("GET /v1/advisors", h.handleListAdvisors)
	mux.HandleFunc("GET /v1/advisors/{address}", h.handleGetAdvisor)
	mux.HandleFunc("GET /v1/advisors/{address}/name", h.handleAdvisorName)

	mux.HandleFunc("POST /v1/investments", h.handleInvest)
	mux.HandleFunc("GET /v1/investors/{address}", h.handleInvestorInfo)
	mux.HandleFunc("GET /v1/investors/{address}/advisors", h.handleInvestorAdvisors)
	mux.HandleFunc("GET /v1/investors/{address}/liquidity/{advisor}", h.handleLiquidity)
	mux.HandleFunc("GET /v1/pools/{address}", h.handleGetPool)

	mux.HandleFunc("POST /v1/tokens", h.handleCreateToken)
	mux.HandleFunc("GET /v1/tokens", h.handleListTokens)
	mux.HandleFunc("GET /v1/tokens/index/{index}", h.handleTokenAt)
	mux.HandleFunc("GET /v1/tokens/{address}", h.handleGetToken)
	mux.HandleFunc("POST /v1/tokens/{address}/mint", h.handleMint)
	mux.HandleFunc("GET /v1/tokens/{address}/balances/{holder}", h.handleBalance)

	mux.HandleFunc("GET /v1/events", h.handleEvents)
	if h.stream != nil {
		mux.Handle("GET /v1/events/stream", h.stream)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())

	return h.logRequests(mux)
}

func (h *Handler) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var req OnboardRequest
	if !h.decode(w, r, &req) {
		return
	}

	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	split, err := parseSplit(req.Split)
	if err != nil {
		h.writeError(w, err)
		return
	}

	advisor, err := h.ledger.Onboard(r.Context(), ledger.OnboardRequest{
		Caller:       caller,
		Name:         req.Name,
		DefaultSplit: split,
		TokenSymbol:  req.TokenSymbol,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, advisorResponse(advisor))
}

func (h *Handler) handleListAdvisors(w http.ResponseWriter, r *http.Request) {
	advisors, err := h.ledger.Advisors(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := make([]AdvisorResponse, len(advisors))
	for i, a := range advisors {
		resp[i] = advisorResponse(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetAdvisor(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	advisor, err := h.ledger.Advisor(r.Context(), addr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, advisorResponse(advisor))
}

func (h *Handler) handleAdvisorName(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	name, err := h.ledger.AdvisorName(r.Context(), addr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NameResponse{Address: addr, Name: name})
}

func (h *Handler) handleInvest(w http.ResponseWriter, r *http.Request) {
	var req InvestRequest
	if !h.decode(w, r, &req) {
		return
	}

	investor, err := parseAddress("investor", req.Investor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	advisor, err := parseAddress("advisor", req.Advisor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var asset common.Address
	if amount.Sign() > 0 || req.Asset != "" {
		if asset, err = parseAddress("asset", req.Asset); err != nil {
			h.writeError(w, err)
			return
		}
	}
	native, err := parseNative(req.NativeAmount, req.NativeAmountWei)
	if err != nil {
		h.writeError(w, err)
		return
	}
	split, err := parseSplit(req.Split)
	if err != nil {
		h.writeError(w, err)
		return
	}

	receipt, err := h.ledger.Invest(r.Context(), ledger.InvestRequest{
		Investor:     investor,
		Asset:        asset,
		TokenAmount:  amount,
		Advisor:      advisor,
		Split:        split,
		NativeAmount: native,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := InvestmentResponse{InvestmentReceipt: receipt}
	if receipt.Minted != nil && receipt.Minted.Sign() > 0 {
		resp.Minted = receipt.Minted.String()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleInvestorInfo(w http.ResponseWriter, r *http.Request) {
	investor, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	info, err := h.ledger.InvestorInfo(r.Context(), investor)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := InvestorResponse{
		Investor:          info.Investor,
		Advisors:          make([]common.Address, len(info.Positions)),
		StableLiquidity:   info.StableLiquidity.String(),
		VolatileLiquidity: info.VolatileLiquidity.String(),
		Positions:         make([]PositionResponse, len(info.Positions)),
	}
	for i, p := range info.Positions {
		resp.Advisors[i] = p.Advisor
		resp.Positions[i] = positionResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInvestorAdvisors(w http.ResponseWriter, r *http.Request) {
	investor, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	advisors, err := h.ledger.InvestorAdvisors(r.Context(), investor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AdvisorsResponse{Investor: investor, Advisors: advisors})
}

func (h *Handler) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	investor, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	advisor, err := parseAddress("advisor", r.PathValue("advisor"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	pos, err := h.ledger.Position(r.Context(), investor, advisor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse(pos))
}

func (h *Handler) handleGetPool(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	pool, err := h.ledger.Pool(r.Context(), addr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse(pool))
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	template, err := parseOptionalAddress("template", req.Template)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if template == nil {
		root, err := h.ledger.RootToken(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
		template = &root.Address
	}
	owner, err := parseOptionalAddress("owner", req.Owner)
	if err != nil {
		h.writeError(w, err)
		return
	}

	create := ledger.CreateTokenRequest{Template: *template, Name: req.Name, Symbol: req.Symbol}
	if owner != nil {
		create.Owner = *owner
	}
	t, err := h.ledger.CreateToken(r.Context(), create)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse(t))
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.ledger.Tokens(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := make([]TokenResponse, len(tokens))
	for i, t := range tokens {
		resp[i] = tokenResponse(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTokenAt(w http.ResponseWriter, r *http.Request) {
	i, err := parseIndex(r.PathValue("index"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.ledger.TokenAt(r.Context(), i)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(t))
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.ledger.Token(r.Context(), addr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(t))
}

func (h *Handler) handleMint(w http.ResponseWriter, r *http.Request) {
	tokenAddr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req MintRequest
	if !h.decode(w, r, &req) {
		return
	}

	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	beneficiary, err := parseAddress("beneficiary", req.Beneficiary)
	if err != nil {
		h.writeError(w, err)
		return
	}
	contribution, err := parseAmount("contribution", req.Contribution)
	if err != nil {
		h.writeError(w, err)
		return
	}
	poolSize, err := parseAmount("poolSize", req.PoolSize)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.ledger.MintOwnershipTokens(r.Context(), ledger.MintRequest{
		Caller:       caller,
		Token:        tokenAddr,
		Beneficiary:  beneficiary,
		Contribution: contribution,
		PoolSize:     poolSize,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, MintResponse{
		Seq:         res.Seq,
		Token:       res.Token,
		Beneficiary: res.Beneficiary,
		Amount:      amountString(res.Amount),
		TotalSupply: amountString(res.TotalSupply),
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	tokenAddr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	holder, err := parseAddress("holder", r.PathValue("holder"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.ledger.Token(r.Context(), tokenAddr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	balance, err := h.ledger.BalanceOf(r.Context(), tokenAddr, holder)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Token:     tokenAddr,
		Holder:    holder,
		Balance:   balance.String(),
		Formatted: domain.FormatUnits(balance, int32(t.Decimals)),
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, limit, err := parseEventPage(q.Get("from"), q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	events, err := h.ledger.Events(r.Context(), after, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := EventsResponse{Events: events, Next: after}
	if resp.Events == nil {
		resp.Events = []*domain.Event{}
	}
	if n := len(events); n > 0 {
		resp.Next = events[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body, rejecting unknown fields. Writes the error reply on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, badRequest("invalid JSON body: %v", err))
		return false
	}
	return true
}

// statusOf maps ledger errors to HTTP status codes and stable error codes.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrInvalidSplit):
		return http.StatusBadRequest, "invalid_split"
	case errors.Is(err, domain.ErrInvalidName):
		return http.StatusBadRequest, "invalid_name"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, domain.ErrZeroSupplyDivision):
		return http.StatusBadRequest, "zero_pool_size"
	case errors.Is(err, domain.ErrInsufficientAllowance):
		return http.StatusBadRequest, "insufficient_allowance"
	case errors.Is(err, domain.ErrUnknownAdvisor):
		return http.StatusNotFound, "unknown_advisor"
	case errors.Is(err, domain.ErrUnknownTemplate):
		return http.StatusNotFound, "unknown_template"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAlreadyOnboarded):
		return http.StatusConflict, "already_onboarded"
	case errors.Is(err, domain.ErrNotTokenOwner):
		return http.StatusForbidden, "not_token_owner"
	case errors.Is(err, domain.ErrTransferFailed):
		return http.StatusBadGateway, "transfer_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
