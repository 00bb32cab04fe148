package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gigescrow/agreement"
	"gigescrow/auth"
	"gigescrow/escrow"
	"gigescrow/listing"
	"gigescrow/wallet"
)

// Ledger is the wallet surface the API needs: custody moves for escrow plus
// balances and admin top-ups.
type Ledger interface {
	escrow.Custody
	Credit(ctx context.Context, owner string, amount uint64, reference string) error
	Balance(ctx context.Context, owner string) (uint64, error)
}

type ctxKey string

const (
	ctxKeyAccountID ctxKey = "account_id"
	ctxKeyRole      ctxKey = "role"
)

type Server struct {
	authService   *auth.Service
	registry      *listing.Registry
	escrowService *escrow.Service
	ledger        Ledger
	authLimiter   *ipLimiter
	logger        *slog.Logger
}

func NewServer(authService *auth.Service, registry *listing.Registry, escrowService *escrow.Service, ledger Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		authService:   authService,
		registry:      registry,
		escrowService: escrowService,
		ledger:        ledger,
		logger:        logger,
	}
}

// WithAuthLimit throttles register and login per client address. A
// non-positive rate leaves them unthrottled.
func (s *Server) WithAuthLimit(perMinute float64, burst int) *Server {
	if perMinute > 0 {
		s.authLimiter = newIPLimiter(perMinute, burst)
	}
	return s
}

// Routes builds the HTTP surface. gatherer backs /metrics; nil serves the
// default Prometheus registry.
func (s *Server) Routes(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.authLimiter != nil {
				r.Use(s.authLimiter.middleware)
			}
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/auth/me", s.handleMe)

			r.Get("/listings", s.handleListListings)
			r.Put("/listings/me", s.handleSetListing)
			r.Put("/listings/me/slots", s.handleSetOpenSlots)
			r.Get("/listings/{seller}", s.handleGetListing)

			r.Post("/agreements", s.handleBuy)
			r.Get("/agreements", s.handleListAgreements)
			r.Get("/agreements/{id}", s.handleGetAgreement)
			r.Post("/agreements/{id}/refund", s.handleRefund)
			r.Post("/agreements/{id}/withdraw", s.handleWithdraw)
			r.Post("/agreements/{id}/review", s.handleReview)

			r.Get("/wallet/balance", s.handleBalance)
			r.With(requireRole(auth.RoleAdmin)).Post("/wallet/topup", s.handleTopUp)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(started)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAccountID, claims.AccountID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if roleFrom(r.Context()) != role {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func accountIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyAccountID).(string)
	return id
}

func roleFrom(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

// --- auth ---

type accountResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt"`
}

func toAccountResponse(a auth.Account) accountResponse {
	return accountResponse{
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Role:        string(a.Role),
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(*account))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   res.Token,
		"account": toAccountResponse(res.Account),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	account, err := s.authService.GetAccountByID(r.Context(), accountIDFrom(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*account))
}

// --- listings ---

type listingResponse struct {
	Seller                  string `json:"seller"`
	Reputation              int64  `json:"reputation"`
	Price                   uint64 `json:"price"`
	DeliveryEstimateSeconds int64  `json:"deliveryEstimateSeconds"`
	ProfileMetadata         string `json:"profileMetadata"`
	OpenSlots               uint16 `json:"openSlots"`
	UpdatedAt               string `json:"updatedAt"`
}

func toListingResponse(l listing.Listing) listingResponse {
	return listingResponse{
		Seller:                  l.Seller,
		Reputation:              l.Reputation,
		Price:                   l.Price,
		DeliveryEstimateSeconds: int64(l.DeliveryEstimate / time.Second),
		ProfileMetadata:         l.ProfileMetadata,
		OpenSlots:               l.OpenSlots,
		UpdatedAt:               l.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	filters := listing.ListFilters{OnlyOpen: r.URL.Query().Get("open") == "true"}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filters.Limit = limit
	}
	listings, err := s.registry.List(r.Context(), filters)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]listingResponse, 0, len(listings))
	for _, l := range listings {
		items = append(items, toListingResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	seller := chi.URLParam(r, "seller")
	if seller == "" {
		writeError(w, http.StatusBadRequest, "seller is required")
		return
	}
	l, err := s.registry.Get(r.Context(), seller)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(l))
}

type setListingRequest struct {
	Price                   uint64 `json:"price"`
	DeliveryEstimateSeconds uint32 `json:"deliveryEstimateSeconds"`
	ProfileMetadata         string `json:"profileMetadata"`
}

func (s *Server) handleSetListing(w http.ResponseWriter, r *http.Request) {
	var req setListingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := s.registry.SetListing(r.Context(), accountIDFrom(r.Context()), listing.UpdateParams{
		Price:            req.Price,
		DeliveryEstimate: time.Duration(req.DeliveryEstimateSeconds) * time.Second,
		ProfileMetadata:  req.ProfileMetadata,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(l))
}

type setOpenSlotsRequest struct {
	OpenSlots *uint16 `json:"openSlots"`
}

func (s *Server) handleSetOpenSlots(w http.ResponseWriter, r *http.Request) {
	var req setOpenSlotsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OpenSlots == nil {
		writeError(w, http.StatusBadRequest, "openSlots is required")
		return
	}
	l, err := s.registry.SetOpenSlots(r.Context(), accountIDFrom(r.Context()), *req.OpenSlots)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(l))
}

// --- agreements ---

type agreementResponse struct {
	ID                 uint64 `json:"id"`
	Seller             string `json:"seller"`
	Buyer              string `json:"buyer"`
	Price              uint64 `json:"price"`
	Paid               uint64 `json:"paid"`
	Deadline           string `json:"deadline"`
	RequestMetadata    string `json:"requestMetadata"`
	SubmissionMetadata string `json:"submissionMetadata"`
	Withdrawn          bool   `json:"withdrawn"`
	Refunded           bool   `json:"refunded"`
	Reviewed           bool   `json:"reviewed"`
	CreatedAt          string `json:"createdAt"`
}

func toAgreementResponse(a agreement.Agreement) agreementResponse {
	return agreementResponse{
		ID:                 a.ID,
		Seller:             a.Seller,
		Buyer:              a.Buyer,
		Price:              a.Price,
		Paid:               a.Paid,
		Deadline:           a.Deadline.UTC().Format(time.RFC3339),
		RequestMetadata:    a.RequestMetadata,
		SubmissionMetadata: a.SubmissionMetadata,
		Withdrawn:          a.Withdrawn,
		Refunded:           a.Refunded,
		Reviewed:           a.Reviewed,
		CreatedAt:          a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type buyRequest struct {
	Seller          string    `json:"seller"`
	Deadline        time.Time `json:"deadline"`
	RequestMetadata string    `json:"requestMetadata"`
	Payment         uint64    `json:"payment"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Seller) == "" || req.Deadline.IsZero() {
		writeError(w, http.StatusBadRequest, "seller and deadline are required")
		return
	}
	id, err := s.escrowService.Buy(r.Context(), accountIDFrom(r.Context()), escrow.BuyParams{
		Seller:          req.Seller,
		Deadline:        req.Deadline,
		RequestMetadata: req.RequestMetadata,
		Payment:         req.Payment,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	a, err := s.escrowService.Agreement(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(a))
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := agreement.ListFilters{
		Party:    accountIDFrom(r.Context()),
		Role:     q.Get("role"),
		Page:     atoiDefault(q.Get("page"), 1),
		PageSize: atoiDefault(q.Get("pageSize"), 20),
	}.Normalize()
	switch filters.Role {
	case "", agreement.RoleBuyer, agreement.RoleSeller:
	default:
		writeError(w, http.StatusBadRequest, "role must be buyer or seller")
		return
	}

	records, total, err := s.escrowService.List(r.Context(), filters)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]agreementResponse, 0, len(records))
	for _, a := range records {
		items = append(items, toAgreementResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"total":    total,
		"page":     filters.Page,
		"pageSize": filters.PageSize,
	})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	a, err := s.escrowService.Agreement(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	if err := s.escrowService.Refund(r.Context(), accountIDFrom(r.Context()), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.respondAgreement(w, r, id)
}

type withdrawRequest struct {
	SubmissionMetadata string `json:"submissionMetadata"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.escrowService.Withdraw(r.Context(), accountIDFrom(r.Context()), id, req.SubmissionMetadata); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.respondAgreement(w, r, id)
}

type reviewRequest struct {
	Positive *bool `json:"positive"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Positive == nil {
		writeError(w, http.StatusBadRequest, "positive is required")
		return
	}
	if err := s.escrowService.Review(r.Context(), accountIDFrom(r.Context()), id, *req.Positive); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.respondAgreement(w, r, id)
}

func (s *Server) respondAgreement(w http.ResponseWriter, r *http.Request, id uint64) {
	a, err := s.escrowService.Agreement(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(a))
}

func agreementID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agreement id")
		return 0, false
	}
	return id, true
}

// --- wallet ---

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner := accountIDFrom(r.Context())
	balance, err := s.ledger.Balance(r.Context(), owner)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "balance": balance})
}

type topUpRequest struct {
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == wallet.CustodyAccount {
		writeError(w, http.StatusBadRequest, "custody account cannot be topped up")
		return
	}
	if err := s.ledger.Credit(r.Context(), req.Owner, req.Amount, req.Reference); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), req.Owner)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "wallet topped up",
		slog.String("owner", req.Owner),
		slog.Uint64("amount", req.Amount),
		slog.String("admin", accountIDFrom(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]any{"owner": req.Owner, "balance": balance})
}

// --- helpers ---

// statusFor maps domain errors to HTTP status codes. Order matters: a failed
// deposit wraps both the transfer failure and the wallet cause.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrAgreementNotFound),
		errors.Is(err, listing.ErrNotFound),
		errors.Is(err, auth.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidParty),
		errors.Is(err, escrow.ErrNotBuyer),
		errors.Is(err, escrow.ErrNotSeller):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInsufficientPayment),
		errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, escrow.ErrDeadlineTooSoon),
		errors.Is(err, escrow.ErrNoCapacity),
		errors.Is(err, escrow.ErrDeadlineNotPassed),
		errors.Is(err, escrow.ErrDeadlinePassed),
		errors.Is(err, escrow.ErrAlreadyDelivered),
		errors.Is(err, escrow.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrAlreadyReviewed),
		errors.Is(err, escrow.ErrReentrantCall),
		errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, escrow.ErrMissingCaller),
		errors.Is(err, listing.ErrMissingCaller):
		return http.StatusUnauthorized
	case errors.Is(err, listing.ErrNegativeEstimate),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrMissingOwner),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidAccount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
