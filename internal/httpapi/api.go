// Package httpapi is the HTTP adapter over the service layer: chi routing,
// bearer-token auth, CSRF protection and a stable error envelope.
package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kasirledger/internal/audit"
	"kasirledger/internal/domain"
	"kasirledger/internal/service"
)

// IdempotencyHeader carries the caller's idempotency key on sale creation.
const IdempotencyHeader = "Idempotency-Key"

type Options struct {
	AllowedOrigin  string
	MetricsEnabled bool
}

type API struct {
	service        *service.Service
	auth           *AuthManager
	allowedOrigin  string
	metricsEnabled bool
	loginLimiter   *attemptLimiter
	pinLimiter     *attemptLimiter
	csrfSecret     []byte
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		log.Printf("[httpapi] WARN: crypto/rand unavailable, using fallback csrf secret: %v", err)
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &API{
		service:        svc,
		auth:           auth,
		allowedOrigin:  opts.AllowedOrigin,
		metricsEnabled: opts.MetricsEnabled,
		loginLimiter:   newAttemptLimiter(5, time.Minute),
		pinLimiter:     newAttemptLimiter(8, time.Minute),
		csrfSecret:     csrfSecret,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)
	r.Use(a.logRequests)
	r.Use(a.csrfGuard)

	r.Get("/healthz", a.handleHealth)
	if a.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/auth/csrf-token", a.handleCSRFToken)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(service.RoleCashier, service.RoleAdmin))

			r.Get("/products", a.handleListProducts)
			r.Get("/products/{productID}/stock", a.handleStockLevel)
			r.Get("/products/{productID}/movements", a.handleStockMovements)

			r.Post("/sales", a.handleCreateSale)
			r.Get("/sales/idempotency/{key}", a.handleLookupSale)
			r.Get("/sales/{saleID}", a.handleGetSale)

			r.Post("/sync/offline-sales", a.handleOfflineSync)
			r.Get("/sync/offline-sales/{clientTransactionID}", a.handleOfflineStatus)

			r.Get("/registers/sessions", a.handleOpenSessions)
			r.Post("/registers/open", a.handleOpenRegister)
			r.Post("/registers/close", a.handleCloseRegister)
			r.Get("/registers/sessions/{sessionID}/summary", a.handleRegisterSummary)
			r.Post("/registers/cash-movements", a.handleCashMovement)

			r.Get("/credit/accounts/{customerID}", a.handleCreditAccount)
			r.Get("/credit/accounts/{customerID}/entries", a.handleCreditEntries)
			r.Post("/credit/payments", a.handleCreditPayment)

			r.Post("/stock/returns", a.handleStockReturn)

			r.Get("/alerts", a.handleListAlerts)
			r.Post("/alerts/{alertID}/{action}", a.handleAlertAction)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(service.RoleAdmin))

			r.Post("/products", a.handleUpsertProduct)
			r.Get("/products/{productID}/reconciliation", a.handleReconcileStock)
			r.Post("/stock/receipts", a.handleStockReceipt)
			r.Post("/stock/adjustments", a.handleStockAdjustment)

			r.Post("/sales/{saleID}/reverse", a.handleReverseSale)

			r.Post("/credit/accounts", a.handleOpenCreditAccount)
			r.Patch("/credit/accounts/{customerID}", a.handleSetCreditLimit)

			r.Get("/purchase-orders", a.handleListPurchaseOrders)
			r.Post("/purchase-orders", a.handleCreatePurchaseOrder)
			r.Post("/purchase-orders/{purchaseOrderID}/receive", a.handleReceivePurchaseOrder)

			r.Get("/audit-logs", a.handleAuditLogs)
			r.Post("/audit-logs/purge", a.handlePurgeAudit)

			r.Get("/maintenance", a.handleMaintenanceTasks)
			r.Post("/maintenance/{task}", a.handleRunMaintenance)

			r.Get("/users/cashiers", a.handleListCashiers)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})
	return r
}

// requireAuth verifies the bearer token and puts the actor and client
// metadata on the request context for audit entries.
func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}
			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			ctx := audit.WithActor(r.Context(), actor)
			ctx = audit.WithClientMeta(ctx, domain.ClientMeta{IP: clientKey(r), UserAgent: r.UserAgent()})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, "+IdempotencyHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if isMutating(r.Method) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(startedAt))
	})
}

func isMutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch || method == http.MethodDelete
}

// csrfExemptPaths are called by clients that have not fetched a token yet:
// login, and terminals pushing their offline backlog.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
	"/api/v1/sync/offline-sales",
}

func (a *API) csrfGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		for _, exempt := range csrfExemptPaths {
			if r.URL.Path == exempt {
				next.ServeHTTP(w, r)
				return
			}
		}
		if !a.validateCSRFToken(strings.TrimSpace(r.Header.Get("X-CSRF-Token"))) {
			writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfTokenForHour is the hex HMAC-SHA256 of an hour bucket (unix seconds).
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

// clientKey is the peer address without port. Forwarded headers are
// ignored so limits cannot be dodged by spoofing them.
func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}
