package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/ledger-infra/internal/ledger"
	"github.com/example/ledger-infra/internal/security"
	"github.com/example/ledger-infra/pkg/audit"
)

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// LedgerService is the surface the handlers need; in production it is
// *ledger.Service.
type LedgerService interface {
	Increase(ctx context.Context, m ledger.Mutation) (ledger.Balance, error)
	Decrease(ctx context.Context, m ledger.Mutation) (ledger.Balance, error)
	Balance(ctx context.Context, account, depot, asset int64) (ledger.Balance, bool, error)
	Balances(ctx context.Context) ([]ledger.Balance, error)
	Events(ctx context.Context, q ledger.EventQuery) ([]ledger.Event, error)
	Updates(ctx context.Context, q ledger.UpdateQuery) ([]ledger.Update, error)
	EventSum(ctx context.Context, q ledger.SumQuery) ([]ledger.SumRow, error)
	UpdateSum(ctx context.Context, q ledger.SumQuery) ([]ledger.SumRow, error)
	UpdateHistory(ctx context.Context) (ledger.HistoryResult, error)
	History(ctx context.Context, q ledger.HistoryQuery) ([]ledger.HistoryEntry, error)
	VerifyConservation(ctx context.Context) ([]ledger.Drift, error)
}

type Dependencies struct {
	Logger  *zap.Logger
	Ledger  LedgerService
	Auditor Auditor
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1/ledger", func(r chi.Router) {
		r.Post("/increase", handleMutation(deps, ledger.Increase))
		r.Post("/decrease", handleMutation(deps, ledger.Decrease))

		r.Get("/balance", handleBalance(deps))
		r.Get("/balances", handleBalances(deps))

		r.Get("/events", handleEvents(deps))
		r.Get("/events/sum", handleSum(deps, "events"))
		r.Get("/updates", handleUpdates(deps))
		r.Get("/updates/sum", handleSum(deps, "updates"))

		r.Post("/history", handleUpdateHistory(deps))
		r.Get("/history", handleHistory(deps))

		r.Get("/conservation", handleConservation(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found", "")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})

	return r
}
