package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"OmniVault/internal/ingestion"
	"OmniVault/internal/observability"
	"OmniVault/internal/persistence"
	"OmniVault/internal/projection"
	"OmniVault/internal/protocol"
	"OmniVault/internal/query"
	"OmniVault/internal/router"
	"OmniVault/internal/vault"
	"OmniVault/internal/venue"
)

// HTTPServer serves the vault's JSON API: holder operations, operator
// actions, projection queries, and admin tooling, plus health and metrics
// endpoints.
type HTTPServer struct {
	httpServer    *http.Server
	addr          string
	deps          *ServerDeps
	healthChecker *observability.HealthChecker
}

// ServerDeps holds all dependencies needed by the HTTP handlers.
type ServerDeps struct {
	Vault         *vault.Vault
	Adapters      map[uint8]*venue.Adapter
	QueryService  *query.QueryService
	RateHistory   *projection.RateHistoryProjection
	InjectService *ingestion.InjectService
	IdemChecker   *persistence.PostgresIdempotencyChecker
	SnapshotMgr   *persistence.SnapshotManager
	TakeSnapshot  func(ctx context.Context) error
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

// NewHTTPServer creates the server with all routes registered.
func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	s := &HTTPServer{
		addr:          addr,
		deps:          deps,
		healthChecker: deps.HealthChecker,
	}

	mux := http.NewServeMux()

	// Holder operations
	mux.HandleFunc("POST /v1/deposits", s.wrap("deposits", s.handleDeposit))
	mux.HandleFunc("POST /v1/withdrawals", s.wrap("withdrawals", s.handleWithdrawal))

	// Operator operations
	mux.HandleFunc("POST /v1/execute", s.wrap("execute", s.handleExecute))
	mux.HandleFunc("POST /v1/rate/update", s.wrap("rate_update", s.handleRateUpdate))

	// Live state queries
	mux.HandleFunc("GET /v1/rate", s.wrap("rate", s.handleRate))
	mux.HandleFunc("GET /v1/rate/history", s.wrap("rate_history", s.handleRateHistory))
	mux.HandleFunc("GET /v1/shares/{holder}", s.wrap("shares", s.handleShares))
	mux.HandleFunc("GET /v1/pending/{category}", s.wrap("pending", s.handlePending))
	mux.HandleFunc("GET /v1/requests/{id}", s.wrap("request", s.handleRequestByID))
	mux.HandleFunc("GET /v1/tokens", s.wrap("tokens", s.handleTokens))
	mux.HandleFunc("GET /v1/pools", s.wrap("pools", s.handlePools))

	// Projection queries (eventually consistent, carry as_of_sequence)
	mux.HandleFunc("GET /v1/holders", s.wrap("holders", s.handleHolders))
	mux.HandleFunc("GET /v1/holders/{holder}/requests", s.wrap("holder_requests", s.handleHolderRequests))
	mux.HandleFunc("GET /v1/events", s.wrap("events", s.handleEvents))

	// Admin
	mux.HandleFunc("POST /v1/admin/tokens", s.wrap("admin_add_token", s.handleAddToken))
	mux.HandleFunc("DELETE /v1/admin/tokens/{token}", s.wrap("admin_remove_token", s.handleRemoveToken))
	mux.HandleFunc("POST /v1/admin/master", s.wrap("admin_master", s.handleSetMaster))
	mux.HandleFunc("POST /v1/admin/treasury", s.wrap("admin_treasury", s.handleSetTreasury))
	mux.HandleFunc("POST /v1/admin/fee-bps", s.wrap("admin_fee_bps", s.handleSetFeeBps))
	mux.HandleFunc("POST /v1/admin/fees/withdraw", s.wrap("admin_fee_withdraw", s.handleWithdrawFee))
	mux.HandleFunc("POST /v1/admin/fees/execution", s.wrap("admin_fee_execution", s.handleExecutionFee))
	mux.HandleFunc("POST /v1/admin/callbacks", s.wrap("admin_inject", s.handleInjectCallback))
	mux.HandleFunc("GET /v1/admin/integrity", s.wrap("admin_integrity", s.handleIntegrity))
	mux.HandleFunc("GET /v1/admin/snapshots/latest", s.wrap("admin_snapshot_get", s.handleLatestSnapshot))
	mux.HandleFunc("POST /v1/admin/snapshots", s.wrap("admin_snapshot_take", s.handleTakeSnapshot))

	// Operational endpoints
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start runs the server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler exposes the mux for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// wrap instruments a handler with request counting and duration metrics.
func (s *HTTPServer) wrap(endpoint string, h func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		if s.deps.Metrics != nil {
			s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
			s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if sw.status >= 400 {
				s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
			}
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ============================================================================
// Holder operations
// ============================================================================

type depositRouteJSON struct {
	PluginID      uint8  `json:"plugin_id"`
	PoolID        uint64 `json:"pool_id"`
	MinReceiptOut string `json:"min_receipt_out,omitempty"`
}

type depositRequestJSON struct {
	Holder  string            `json:"holder"`
	Tokens  []string          `json:"tokens"`
	Amounts []string          `json:"amounts"`
	Route   *depositRouteJSON `json:"route,omitempty"`
}

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequestJSON
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Holder == "" {
		writeError(w, http.StatusBadRequest, errors.New("holder is required"))
		return
	}

	amounts, err := parseAmounts(req.Amounts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var route *vault.DepositRoute
	if req.Route != nil {
		minOut, err := parseOptionalAmount(req.Route.MinReceiptOut)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		route = &vault.DepositRoute{
			PluginID:      req.Route.PluginID,
			PoolID:        req.Route.PoolID,
			MinReceiptOut: minOut,
		}
	}

	request, err := s.deps.Vault.AddDepositRequest(r.Context(), req.Holder, req.Tokens, amounts, route)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestToJSON(*request))
}

type withdrawRequestJSON struct {
	Holder      string `json:"holder"`
	Shares      string `json:"shares"`
	PayoutToken string `json:"payout_token"`
	Route       struct {
		PluginID uint8  `json:"plugin_id"`
		PoolID   uint64 `json:"pool_id"`
		MinOut   string `json:"min_out,omitempty"`
	} `json:"route"`
}

func (s *HTTPServer) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequestJSON
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	shares, err := parseAmount(req.Shares, "shares")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minOut, err := parseOptionalAmount(req.Route.MinOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	request, err := s.deps.Vault.AddWithdrawalRequest(r.Context(), req.Holder, shares, req.PayoutToken, vault.WithdrawRoute{
		PluginID: req.Route.PluginID,
		PoolID:   req.Route.PoolID,
		MinOut:   minOut,
	})
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestToJSON(*request))
}

// ============================================================================
// Operator operations
// ============================================================================

type executeRequestJSON struct {
	Caller   string          `json:"caller"`
	PluginID uint8           `json:"plugin_id"`
	Action   json.RawMessage `json:"action"`
}

func (s *HTTPServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequestJSON
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	action, err := decodeAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key, err := s.deps.Vault.Execute(r.Context(), req.Caller, req.PluginID, action)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"venue_key": string(key)})
}

func (s *HTTPServer) handleRateUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.deps.Vault.UpdateLiquidityProviderRate(req.Caller); err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"rate":        s.deps.Vault.Rate().String(),
		"fee_reserve": s.deps.Vault.FeeReserve().String(),
	})
}

// ============================================================================
// Live state queries
// ============================================================================

func (s *HTTPServer) handleRate(w http.ResponseWriter, r *http.Request) {
	v := s.deps.Vault
	resp := map[string]interface{}{
		"rate":         v.Rate().String(),
		"total_shares": v.TotalShares().String(),
		"fee_reserve":  v.FeeReserve().String(),
		"status":       v.Status().String(),
		"sequence":     v.Sequence(),
	}
	if total, err := v.TotalValue(true); err == nil {
		resp["total_value"] = total.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	entries := s.deps.RateHistory.Recent(limit)

	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"sequence":  e.Sequence,
			"old_rate":  e.OldRate.String(),
			"new_rate":  e.NewRate.String(),
			"fee_value": e.FeeValue.String(),
			"timestamp": e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updates": out})
}

func (s *HTTPServer) handleShares(w http.ResponseWriter, r *http.Request) {
	holder := r.PathValue("holder")
	writeJSON(w, http.StatusOK, map[string]string{
		"holder": holder,
		"shares": s.deps.Vault.ShareBalance(holder).String(),
	})
}

func (s *HTTPServer) handlePending(w http.ResponseWriter, r *http.Request) {
	category, err := parseCategory(r.PathValue("category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	requests := s.deps.Vault.PendingRequests(category)
	out := make([]map[string]interface{}, 0, len(requests))
	for _, req := range requests {
		out = append(out, requestToJSON(req))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"category": category.String(),
		"requests": out,
	})
}

func (s *HTTPServer) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	req, ok := s.deps.Vault.RequestByID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("request not found"))
		return
	}
	writeJSON(w, http.StatusOK, requestToJSON(req))
}

func (s *HTTPServer) handleTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.deps.Vault.AcceptedTokens()
	out := make([]map[string]interface{}, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, map[string]interface{}{
			"symbol":   t.Symbol,
			"decimals": t.Decimals,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": out})
}

func (s *HTTPServer) handlePools(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]interface{}, 0)
	for id, adapter := range s.deps.Adapters {
		for _, p := range adapter.Pools() {
			entry := map[string]interface{}{
				"plugin_id":     id,
				"plugin_name":   adapter.Name(),
				"pool_id":       p.ID,
				"receipt_token": p.ReceiptToken,
			}
			if value, err := adapter.PoolValue(p.ID, true); err == nil {
				entry["value"] = value.String()
			}
			out = append(out, entry)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": out})
}

// ============================================================================
// Projection queries
// ============================================================================

func (s *HTTPServer) handleHolders(w http.ResponseWriter, r *http.Request) {
	balances, err := s.deps.QueryService.GetShareBalances(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"holders": balances})
}

func (s *HTTPServer) handleHolderRequests(w http.ResponseWriter, r *http.Request) {
	var category *string
	if c := r.URL.Query().Get("category"); c != "" {
		if _, err := parseCategory(c); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		category = &c
	}

	requests, err := s.deps.QueryService.GetRequestHistory(r.Context(), r.PathValue("holder"), category, queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	var before *int64
	if b := r.URL.Query().Get("before"); b != "" {
		seq, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid before cursor: %w", err))
			return
		}
		before = &seq
	}

	events, err := s.deps.QueryService.GetEventHistory(r.Context(), queryLimit(r, 50), before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ============================================================================
// Admin
// ============================================================================

func (s *HTTPServer) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string `json:"caller"`
		Token    string `json:"token"`
		Decimals int    `json:"decimals"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Vault.AddAcceptedToken(req.Caller, req.Token, req.Decimals); err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": req.Token})
}

func (s *HTTPServer) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get("caller")
	token := r.PathValue("token")
	if err := s.deps.Vault.RemoveAcceptedToken(caller, token); err != nil {
		writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetMaster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Master string `json:"master"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Vault.SetMaster(req.Caller, req.Master); err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"master": req.Master})
}

func (s *HTTPServer) handleSetTreasury(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string `json:"caller"`
		Treasury string `json:"treasury"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Vault.SetTreasury(req.Caller, req.Treasury); err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"treasury": req.Treasury})
}

func (s *HTTPServer) handleSetFeeBps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Bps    int64  `json:"bps"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Vault.SetProtocolFeeBps(req.Caller, req.Bps); err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"bps": req.Bps})
}

func (s *HTTPServer) handleWithdrawFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Token  string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := s.deps.Vault.WithdrawProtocolFee(req.Caller, req.Token)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":  req.Token,
		"amount": amount.String(),
	})
}

func (s *HTTPServer) handleExecutionFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string `json:"caller"`
		PluginID uint8  `json:"plugin_id"`
		Amount   string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Vault.TransferExecutionFee(req.Caller, req.PluginID, amount); err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

type injectCallbackJSON struct {
	PluginID      uint8  `json:"plugin_id"`
	Category      string `json:"category"`
	Key           string `json:"key"`
	Outcome       string `json:"outcome"` // "executed" or "cancelled"
	Reason        string `json:"reason,omitempty"`
	ReceiptAmount string `json:"receipt_amount,omitempty"`
	PayoutToken   string `json:"payout_token,omitempty"`
	PayoutAmount  string `json:"payout_amount,omitempty"`
	OutputToken   string `json:"output_token,omitempty"`
	OutputAmount  string `json:"output_amount,omitempty"`
}

// handleInjectCallback lets an operator resolve a stuck venue key when the
// venue's callback was lost. The event log guards against double injection.
func (s *HTTPServer) handleInjectCallback(w http.ResponseWriter, r *http.Request) {
	var req injectCallbackJSON
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	category, err := parseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}

	if s.deps.IdemChecker != nil {
		eventType := terminalEventType(category, req.Outcome)
		if dup, err := s.deps.IdemChecker.IsDuplicate(eventType, req.Key); err == nil && dup {
			writeError(w, http.StatusConflict, fmt.Errorf("key %s already resolved", req.Key))
			return
		}
	}

	switch req.Outcome {
	case "executed":
		result := router.Result{}
		if result.ReceiptAmount, err = parseOptionalAmount(req.ReceiptAmount); err == nil {
			result.PayoutToken = req.PayoutToken
			result.OutputToken = req.OutputToken
			if result.PayoutAmount, err = parseOptionalAmount(req.PayoutAmount); err == nil {
				result.OutputAmount, err = parseOptionalAmount(req.OutputAmount)
			}
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		err = s.deps.InjectService.InjectSettled(r.Context(), req.PluginID, category, protocol.RequestKey(req.Key), result)

	case "cancelled":
		err = s.deps.InjectService.InjectCancelled(r.Context(), req.PluginID, category, protocol.RequestKey(req.Key), req.Reason)

	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown outcome %q", req.Outcome))
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"key": req.Key, "outcome": req.Outcome})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.SnapshotMgr.LoadLatestSnapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, errors.New("no verified snapshot"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sequence":     snap.Sequence,
		"total_shares": snap.TotalShares,
		"rate":         snap.Rate,
		"holders":      len(snap.ShareBalances),
		"pending_requests": len(snap.PendingRequests),
		"created_at":   snap.CreatedAt,
	})
}

func (s *HTTPServer) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.TakeSnapshot == nil {
		writeError(w, http.StatusNotImplemented, errors.New("snapshotting not configured"))
		return
	}
	if err := s.deps.TakeSnapshot(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "snapshot saved"})
}

// ============================================================================
// Wire helpers
// ============================================================================

// actionJSON is the tagged-union wire form of protocol.Action.
type actionJSON struct {
	Type string `json:"type"`

	// stake / unstake / claim
	PoolID        uint64   `json:"pool_id,omitempty"`
	Tokens        []string `json:"tokens,omitempty"`
	Amounts       []string `json:"amounts,omitempty"`
	MinReceiptOut string   `json:"min_receipt_out,omitempty"`
	ReceiptAmount string   `json:"receipt_amount,omitempty"`
	MinOut        string   `json:"min_out,omitempty"`
	Receiver      string   `json:"receiver,omitempty"`

	// order
	Order *orderJSON `json:"order,omitempty"`

	// cancel
	Category string `json:"category,omitempty"`
	Key      string `json:"key,omitempty"`
}

type orderJSON struct {
	Market                 string `json:"market"`
	Kind                   string `json:"kind"`
	Receiver               string `json:"receiver,omitempty"`
	InitialCollateralToken string `json:"initial_collateral_token,omitempty"`
	CollateralAmount       string `json:"collateral_amount,omitempty"`
	SizeDeltaUSD           string `json:"size_delta_usd,omitempty"`
	AcceptablePrice        string `json:"acceptable_price,omitempty"`
	TriggerPrice           string `json:"trigger_price,omitempty"`
	MinOutputAmount        string `json:"min_output_amount,omitempty"`
	IsLong                 bool   `json:"is_long,omitempty"`
}

func decodeAction(raw json.RawMessage) (protocol.Action, error) {
	var a actionJSON
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}

	switch a.Type {
	case "stake":
		amounts, err := parseAmounts(a.Amounts)
		if err != nil {
			return nil, err
		}
		minOut, err := parseOptionalAmount(a.MinReceiptOut)
		if err != nil {
			return nil, err
		}
		return &protocol.StakeAction{
			PoolID:        a.PoolID,
			Tokens:        a.Tokens,
			Amounts:       amounts,
			MinReceiptOut: minOut,
		}, nil

	case "unstake":
		receipt, err := parseAmount(a.ReceiptAmount, "receipt_amount")
		if err != nil {
			return nil, err
		}
		minOut, err := parseOptionalAmount(a.MinOut)
		if err != nil {
			return nil, err
		}
		return &protocol.UnstakeAction{
			PoolID:        a.PoolID,
			ReceiptAmount: receipt,
			MinOut:        minOut,
			Receiver:      a.Receiver,
		}, nil

	case "order":
		if a.Order == nil {
			return nil, errors.New("order action requires order parameters")
		}
		return decodeOrder(a.Order)

	case "claim":
		return &protocol.ClaimAction{PoolID: a.PoolID}, nil

	case "cancel":
		category, err := parseCategory(a.Category)
		if err != nil {
			return nil, err
		}
		if a.Key == "" {
			return nil, errors.New("cancel action requires key")
		}
		return &protocol.CancelRequestAction{
			Category: category,
			Key:      protocol.RequestKey(a.Key),
		}, nil

	default:
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
}

func decodeOrder(o *orderJSON) (protocol.Action, error) {
	kind, err := parseOrderKind(o.Kind)
	if err != nil {
		return nil, err
	}

	params := protocol.OrderParams{
		Market:                 o.Market,
		Kind:                   kind,
		Receiver:               o.Receiver,
		InitialCollateralToken: o.InitialCollateralToken,
		IsLong:                 o.IsLong,
	}
	if params.InitialCollateralDeltaAmount, err = parseOptionalAmount(o.CollateralAmount); err != nil {
		return nil, err
	}
	if params.SizeDeltaUSD, err = parseOptionalAmount(o.SizeDeltaUSD); err != nil {
		return nil, err
	}
	if params.AcceptablePrice, err = parseOptionalAmount(o.AcceptablePrice); err != nil {
		return nil, err
	}
	if params.TriggerPrice, err = parseOptionalAmount(o.TriggerPrice); err != nil {
		return nil, err
	}
	if params.MinOutputAmount, err = parseOptionalAmount(o.MinOutputAmount); err != nil {
		return nil, err
	}
	return &protocol.SwapAction{Order: params}, nil
}

func parseOrderKind(s string) (protocol.OrderKind, error) {
	switch s {
	case "market_swap", "":
		return protocol.OrderMarketSwap, nil
	case "limit_swap":
		return protocol.OrderLimitSwap, nil
	case "market_increase":
		return protocol.OrderMarketIncrease, nil
	case "limit_increase":
		return protocol.OrderLimitIncrease, nil
	case "market_decrease":
		return protocol.OrderMarketDecrease, nil
	case "limit_decrease":
		return protocol.OrderLimitDecrease, nil
	default:
		return 0, fmt.Errorf("unknown order kind %q", s)
	}
}

func parseCategory(s string) (protocol.Category, error) {
	switch s {
	case "deposit", "Deposit":
		return protocol.CategoryDeposit, nil
	case "withdrawal", "Withdrawal":
		return protocol.CategoryWithdrawal, nil
	case "order", "Order":
		return protocol.CategoryOrder, nil
	default:
		return 0, fmt.Errorf("unknown category %q", s)
	}
}

func terminalEventType(category protocol.Category, outcome string) string {
	suffix := "Executed"
	if outcome == "cancelled" {
		suffix = "Cancelled"
	}
	return category.String() + suffix
}

func requestToJSON(req vault.Request) map[string]interface{} {
	out := map[string]interface{}{
		"request_id": req.ID.String(),
		"category":   req.Category.String(),
		"holder":     req.Holder,
		"state":      req.State.String(),
		"created_at": req.CreatedAt,
	}
	if req.Key != "" {
		out["venue_key"] = string(req.Key)
	}
	if req.PluginID != nil {
		out["plugin_id"] = *req.PluginID
	}
	if req.Shares != nil {
		out["shares"] = req.Shares.String()
	}
	if req.Value != nil {
		out["value"] = req.Value.String()
	}
	if req.PayoutToken != "" {
		out["payout_token"] = req.PayoutToken
	}
	return out
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func parseAmounts(in []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(in))
	for i, s := range in {
		amount, err := parseAmount(s, fmt.Sprintf("amounts[%d]", i))
		if err != nil {
			return nil, err
		}
		out[i] = amount
	}
	return out, nil
}

func parseAmount(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not a base-10 integer", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s: negative amount %q", field, s)
	}
	return v, nil
}

func parseOptionalAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return parseAmount(s, "amount")
}

func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeVaultError maps the protocol error taxonomy onto HTTP status codes.
func writeVaultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, protocol.ErrNotFound), errors.Is(err, protocol.ErrRequestNotPending):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, protocol.ErrDuplicateID):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, protocol.ErrProtocolPending):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, protocol.ErrInvalidAmount),
		errors.Is(err, protocol.ErrInvalidToken),
		errors.Is(err, protocol.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, protocol.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, protocol.ErrOracleUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
