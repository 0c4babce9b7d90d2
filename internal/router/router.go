package router

import (
	"net/http"
	"time"

	"github.com/duaia/backend/internal/auth"
	"github.com/duaia/backend/internal/handlers"
	"github.com/duaia/backend/internal/metrics"
	"github.com/duaia/backend/internal/middleware"
)

// Handlers are the endpoint groups mounted by New.
type Handlers struct {
	Auth      *auth.Handler
	Tasks     *handlers.TaskHandler
	Accounts  *handlers.AccountHandler
	Callbacks *handlers.CallbackHandler
}

// Options configure the middleware chain.
type Options struct {
	Authenticator    middleware.Authenticator
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// New returns the full HTTP surface: account auth under /api/v1, the
// operations API under /v1 and Prometheus metrics at /metrics. Provider
// callbacks are only mounted when a webhook secret is configured.
func New(h Handlers, opts Options) http.Handler {
	if opts.WebhookTolerance <= 0 {
		opts.WebhookTolerance = middleware.DefaultWebhookTolerance
	}
	authed := middleware.BearerAuth(opts.Authenticator)
	admin := func(next http.HandlerFunc) http.Handler {
		return authed(middleware.RequireAdmin(next))
	}
	signed := middleware.WebhookSignature(opts.WebhookSecret, opts.WebhookTolerance, nil)

	mux := http.NewServeMux()
	base := "/api/v1"
	mux.HandleFunc(base+"/auth/register", methodPOST(h.Auth.Register))
	mux.HandleFunc(base+"/auth/login", methodPOST(h.Auth.Login))
	mux.Handle("GET "+base+"/account/me", authed(http.HandlerFunc(h.Auth.Me)))

	mux.HandleFunc("GET /v1/operations", h.Tasks.ListOperations)
	mux.Handle("POST /v1/operations", authed(http.HandlerFunc(h.Tasks.Submit)))
	mux.Handle("GET /v1/tasks", authed(http.HandlerFunc(h.Tasks.ListTasks)))
	mux.Handle("GET /v1/tasks/{id}", authed(http.HandlerFunc(h.Tasks.GetTask)))
	mux.Handle("POST /v1/tasks/{id}/poll", authed(http.HandlerFunc(h.Tasks.PollTask)))

	mux.Handle("GET /v1/account/balance", authed(http.HandlerFunc(h.Accounts.Balance)))
	mux.Handle("GET /v1/account/transactions", authed(http.HandlerFunc(h.Accounts.Transactions)))
	mux.Handle("GET /v1/account/stats", authed(http.HandlerFunc(h.Accounts.Stats)))
	mux.Handle("POST /v1/invites/redeem", authed(http.HandlerFunc(h.Accounts.RedeemInvite)))
	mux.Handle("POST /v1/admin/grants", admin(h.Accounts.AdminGrant))
	mux.Handle("POST /v1/admin/invites", admin(h.Accounts.AdminCreateInvite))

	if opts.WebhookSecret != "" {
		mux.Handle("POST /v1/callbacks/{provider}", signed(http.HandlerFunc(h.Callbacks.Handle)))
	}

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return metrics.InstrumentHandler(mux)
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusMethodNotAllowed)
			_, _ = w.Write([]byte(`{"error":"method not allowed"}` + "\n"))
			return
		}
		h(w, r)
	}
}
