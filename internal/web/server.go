package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/yield402/treasury/internal/logger"
	"github.com/yield402/treasury/internal/metrics"
	"github.com/yield402/treasury/internal/rebalancer"
	"github.com/yield402/treasury/internal/settlement"
	"github.com/yield402/treasury/internal/treasury"
	"github.com/yield402/treasury/internal/types"
)

var webLogger = logger.GetForComponent("web_server")

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// SettlementHandler processes settlement notifications.
type SettlementHandler interface {
	Handle(ctx context.Context, payload settlement.Payload) settlement.Outcome
}

// TreasuryService is the merchant-facing treasury.
type TreasuryService interface {
	AdapterName() string
	GetApy(ctx context.Context) float64
	GetBalances(ctx context.Context) (*types.Balances, error)
	Deposit(ctx context.Context, amount decimal.Decimal) treasury.OperationResult
	Withdraw(ctx context.Context, amount decimal.Decimal) treasury.OperationResult
	ListTransactions(ctx context.Context, page, limit int) ([]types.TreasuryTransaction, types.Page, error)
	GetTransaction(ctx context.Context, id string) (*types.TreasuryTransaction, error)
}

// Rebalancer is the controller surface exposed over HTTP.
type Rebalancer interface {
	Parameters() types.RebalancerParameters
	SetParameters(ctx context.Context, params types.RebalancerParameters) error
	Trigger(ctx context.Context, reason string) rebalancer.Result
	LastDepositAt() time.Time
	RecentRuns(ctx context.Context, limit int) ([]types.RebalanceRun, error)
	Summary(ctx context.Context) (*types.RunSummary, error)
}

// Options wires the server's dependencies. DBCheck is optional and reported by /health.
type Options struct {
	Port        string
	Settlements SettlementHandler
	Treasury    TreasuryService
	Rebalancer  Rebalancer
	DBCheck     func() error
}

// WebServer exposes the treasury over HTTP.
type WebServer struct {
	router      *mux.Router
	port        string
	settlements SettlementHandler
	treasury    TreasuryService
	rebalancer  Rebalancer
	dbCheck     func() error
	startedAt   time.Time
}

// NewWebServer creates a new web server instance
func NewWebServer(opts Options) *WebServer {
	if opts.Port == "" {
		opts.Port = "8080"
	}

	server := &WebServer{
		router:      mux.NewRouter(),
		port:        opts.Port,
		settlements: opts.Settlements,
		treasury:    opts.Treasury,
		rebalancer:  opts.Rebalancer,
		dbCheck:     opts.DBCheck,
		startedAt:   time.Now().UTC(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	ws.router.HandleFunc("/x402/settled", ws.handleSettled).Methods("POST", "OPTIONS")

	t := ws.router.PathPrefix("/treasury").Subrouter()
	t.HandleFunc("/balances", ws.handleBalances).Methods("GET")
	t.HandleFunc("/apy", ws.handleApy).Methods("GET")
	t.HandleFunc("/transactions", ws.handleListTransactions).Methods("GET")
	t.HandleFunc("/transactions/{id}", ws.handleGetTransaction).Methods("GET")
	t.HandleFunc("/deposit", ws.handleDeposit).Methods("POST", "OPTIONS")
	t.HandleFunc("/withdraw", ws.handleWithdraw).Methods("POST", "OPTIONS")

	r := ws.router.PathPrefix("/rebalancer").Subrouter()
	r.HandleFunc("/config", ws.handleGetRebalancerConfig).Methods("GET")
	r.HandleFunc("/config", ws.handleUpdateRebalancerConfig).Methods("POST", "OPTIONS")
	r.HandleFunc("/trigger", ws.handleTrigger).Methods("POST", "OPTIONS")
	r.HandleFunc("/runs", ws.handleRuns).Methods("GET")
	r.HandleFunc("/summary", ws.handleSummary).Methods("GET")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Handler returns the routed handler.
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves until ctx is done, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // Manual deposits wait for confirmations
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		webLogger.Info().Msg("Shutting down web server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handleHealth reports process and dependency health
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := "ok"
	dbHealthy := true
	if ws.dbCheck != nil {
		if err := ws.dbCheck(); err != nil {
			webLogger.Warn().Err(err).Msg("Database health check failed")
			dbHealthy = false
			status = "degraded"
		}
	}

	treasuryStatus := map[string]interface{}{
		"database_healthy": dbHealthy,
	}
	if ws.treasury != nil {
		treasuryStatus["adapter"] = ws.treasury.AdapterName()
	}
	if ws.rebalancer != nil {
		if last := ws.rebalancer.LastDepositAt(); !last.IsZero() {
			treasuryStatus["last_deposit_at"] = last
		}
	}

	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.startedAt).Seconds()),
		},
		"treasury": treasuryStatus,
	}

	statusCode := http.StatusOK
	if !dbHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	ws.writeJSONResponse(w, statusCode, response)
}

func (ws *WebServer) handleSettled(w http.ResponseWriter, r *http.Request) {
	var payload settlement.Payload
	if err := ws.decodeBody(w, r, &payload); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, string(settlement.CodeInvalidPayload), err.Error())
		return
	}

	outcome := ws.settlements.Handle(r.Context(), payload)
	ws.writeJSONResponse(w, settlementStatus(outcome.Code), outcome)
}

func settlementStatus(code settlement.Code) int {
	switch code {
	case settlement.CodeOK, settlement.CodeDuplicate:
		return http.StatusOK
	case settlement.CodeInvalidPayload:
		return http.StatusBadRequest
	case settlement.CodeNetworkMismatch, settlement.CodeMintMismatch,
		settlement.CodeRecipientMismatch, settlement.CodeVerificationFailed:
		return http.StatusUnprocessableEntity
	case settlement.CodeConfigMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (ws *WebServer) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := ws.treasury.GetBalances(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get balances")
		code := "error"
		if errors.Is(err, treasury.ErrCashNotConfigured) {
			code = string(settlement.CodeConfigMissing)
		}
		ws.writeErrorResponse(w, http.StatusBadGateway, code, "Failed to retrieve balances")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, balances)
}

func (ws *WebServer) handleApy(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"protocol":   ws.treasury.AdapterName(),
		"apyPercent": ws.treasury.GetApy(r.Context()),
	})
}

// handleListTransactions returns paginated ledger history
func (ws *WebServer) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 0)

	txs, p, err := ws.treasury.ListTransactions(r.Context(), page, limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to list transactions")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "error", "Failed to retrieve transactions")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"pagination":   p,
	})
}

func (ws *WebServer) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := ws.treasury.GetTransaction(r.Context(), id)
	if errors.Is(err, types.ErrTransactionNotFound) {
		ws.writeErrorResponse(w, http.StatusNotFound, "not_found", "Transaction not found")
		return
	}
	if err != nil {
		webLogger.Error().Err(err).Str("id", id).Msg("Failed to get transaction")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "error", "Failed to retrieve transaction")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, tx)
}

type amountRequest struct {
	AmountUSDC decimal.Decimal `json:"amountUsdc"`
}

func (ws *WebServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	ws.handleMove(w, r, ws.treasury.Deposit)
}

func (ws *WebServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	ws.handleMove(w, r, ws.treasury.Withdraw)
}

func (ws *WebServer) handleMove(w http.ResponseWriter, r *http.Request, op func(context.Context, decimal.Decimal) treasury.OperationResult) {
	var req amountRequest
	if err := ws.decodeBody(w, r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, string(treasury.CodeInvalidAmount), err.Error())
		return
	}

	result := op(r.Context(), req.AmountUSDC)
	status := http.StatusOK
	switch result.Code {
	case treasury.CodeInvalidAmount:
		status = http.StatusBadRequest
	case treasury.CodeAdapterFailed:
		status = http.StatusBadGateway
	}
	ws.writeJSONResponse(w, status, result)
}

type rebalancerConfigResponse struct {
	types.RebalancerParameters
	LastDepositAt *time.Time `json:"lastDepositAt,omitempty"`
}

func (ws *WebServer) handleGetRebalancerConfig(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.rebalancerConfig())
}

func (ws *WebServer) rebalancerConfig() rebalancerConfigResponse {
	resp := rebalancerConfigResponse{RebalancerParameters: ws.rebalancer.Parameters()}
	if last := ws.rebalancer.LastDepositAt(); !last.IsZero() {
		resp.LastDepositAt = &last
	}
	return resp
}

// parametersUpdate changes only the fields present in the body.
type parametersUpdate struct {
	MinBufferUSDC   *decimal.Decimal `json:"minBufferUsdc"`
	MinDepositUSDC  *decimal.Decimal `json:"minDepositUsdc"`
	CooldownSeconds *int             `json:"cooldownSec"`
}

func (ws *WebServer) handleUpdateRebalancerConfig(w http.ResponseWriter, r *http.Request) {
	var update parametersUpdate
	if err := ws.decodeBody(w, r, &update); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid_parameters", err.Error())
		return
	}

	params := ws.rebalancer.Parameters()
	if update.MinBufferUSDC != nil {
		params.MinBufferUSDC = *update.MinBufferUSDC
	}
	if update.MinDepositUSDC != nil {
		params.MinDepositUSDC = *update.MinDepositUSDC
	}
	if update.CooldownSeconds != nil {
		params.CooldownSeconds = *update.CooldownSeconds
	}

	if err := params.Validate(); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid_parameters", err.Error())
		return
	}
	if err := ws.rebalancer.SetParameters(r.Context(), params); err != nil {
		webLogger.Error().Err(err).Msg("Failed to update rebalancer parameters")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "error", "Failed to update rebalancer parameters")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, ws.rebalancerConfig())
}

func (ws *WebServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	result := ws.rebalancer.Trigger(r.Context(), "manual")
	status := http.StatusOK
	if result.Status == types.RebalanceFailed {
		status = http.StatusBadGateway
	}
	ws.writeJSONResponse(w, status, result)
}

func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	runs, err := ws.rebalancer.RecentRuns(r.Context(), limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get rebalance runs")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "error", "Failed to retrieve rebalance runs")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (ws *WebServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := ws.rebalancer.Summary(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get rebalance summary")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "error", "Failed to retrieve rebalance summary")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, summary)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return fallback
}

func (ws *WebServer) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return errors.New("request body is not valid JSON: " + err.Error())
	}
	return nil
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes a structured error body
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	response := map[string]interface{}{
		"code":      code,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
