package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/reconcile"
)

// Treasury reports the treasury and mirror backlog.
type Treasury interface {
	Status(ctx context.Context) (reconcile.TreasuryStatus, error)
}

// JobTrigger runs a scheduled reconciliation job on demand.
type JobTrigger interface {
	Trigger(name string) error
}

// EventSource reads the on-chain events of a mirrored market.
type EventSource interface {
	MarketEvents(ctx context.Context, marketID uint64, fromBlock uint64) ([]domain.ChainEvent, error)
}

// MarketReader loads a single market.
type MarketReader interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
}

// AbandonedLister lists mirror jobs that exhausted their retries.
type AbandonedLister interface {
	ListAbandoned(ctx context.Context, opts domain.ListOpts) ([]domain.MirrorJob, error)
}

// AdminDeps wires the operator routes. Jobs, Chain, Bus and Archives may be
// nil when the process runs without them.
type AdminDeps struct {
	Treasury  Treasury
	Jobs      JobTrigger
	Markets   MarketReader
	Chain     EventSource
	Bus       domain.EventBus
	Archives  domain.ObjectReader
	Abandoned AbandonedLister
	Audit     domain.AuditStore
}

// AdminHandler serves the operator routes. Every route requires an admin
// identity.
type AdminHandler struct {
	deps   AdminDeps
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(deps AdminDeps, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{deps: deps, logger: logger.With(slog.String("handler", "admin"))}
}

// admin wraps next with the admin check.
func (h *AdminHandler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := requireAdmin(r); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		next(w, r)
	}
}

// Treasury returns balances, gas level and mirror counts.
// GET /api/v1/admin/treasury
func (h *AdminHandler) Treasury(w http.ResponseWriter, r *http.Request) {
	h.admin(func(w http.ResponseWriter, r *http.Request) {
		st, err := h.deps.Treasury.Status(r.Context())
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})(w, r)
}

// ChainEvents lists the contract events of a mirrored market.
// GET /api/v1/admin/markets/{id}/chain-events?fromBlock=
func (h *AdminHandler) ChainEvents(w http.ResponseWriter, r *http.Request) {
	h.admin(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Chain == nil {
			writeError(w, r, h.logger, domain.Errorf(domain.ErrFailedPrecondition, "Chain mirroring is disabled."))
			return
		}
		m, err := h.deps.Markets.GetMarket(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		if m.OnChainID == nil {
			writeError(w, r, h.logger, domain.Errorf(domain.ErrFailedPrecondition, "Market %s is not mirrored on-chain yet.", m.ID))
			return
		}
		var from uint64
		if v := r.URL.Query().Get("fromBlock"); v != "" {
			if from, err = strconv.ParseUint(v, 10, 64); err != nil {
				writeError(w, r, h.logger, domain.Errorf(domain.ErrInvalidArgument, "fromBlock must be a block number."))
				return
			}
		}
		events, err := h.deps.Chain.MarketEvents(r.Context(), *m.OnChainID, from)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		if events == nil {
			events = []domain.ChainEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"onChainId": *m.OnChainID, "events": events})
	})(w, r)
}

type reconcileRequest struct {
	Job string `json:"job"`
}

// Reconcile triggers a scheduled job outside its interval.
// POST /api/v1/admin/reconcile
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	h.admin(func(w http.ResponseWriter, r *http.Request) {
		var req reconcileRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, h.logger, err)
				return
			}
		}
		if req.Job == "" {
			req.Job = reconcile.JobSweep
		}
		if h.deps.Jobs == nil {
			writeError(w, r, h.logger, domain.Errorf(domain.ErrFailedPrecondition, "This process does not run the scheduler."))
			return
		}
		if err := h.deps.Jobs.Trigger(req.Job); err != nil {
			if errors.Is(err, reconcile.ErrUnknownJob) {
				err = domain.Errorf(domain.ErrInvalidArgument, "Unknown job %q.", req.Job)
			}
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job": req.Job})
	})(w, r)
}

type streamEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// Events pages through the durable ledger event stream.
// GET /api/v1/admin/events?after=&count=
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	h.admin(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Bus == nil {
			writeError(w, r, h.logger, domain.Errorf(domain.ErrFailedPrecondition, "Event stream is not configured."))
			return
		}
		q := r.URL.Query()
		after := q.Get("after")
		if after == "" {
			after = "0"
		}
		count := 100
		if v, err := strconv.Atoi(q.Get("count")); err == nil && v > 0 && v <= 1000 {
			count = v
		}
		msgs, err := h.deps.Bus.StreamRead(r.Context(), domain.StreamLedger, after, count)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		out := make([]streamEntry, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, streamEntry{ID: m.ID, Event: json.RawMessage(m.Payload)})
		}
		writeJSON(w, http.StatusOK, out)
	})(w, r)
}

type archiveResponse struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Archives lists the cold-storage batches.
// GET /api/v1/admin/archives
func (h *AdminHandler) Archives(w http.ResponseWriter, r *http.Request) {
	h.admin(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Archives == nil {
			writeError(w, r, h.logger, domain.Errorf(domain.ErrFailedPrecondition, "Archive storage is not configured."))
			return
		}
		infos, err := h.deps.Archives.List(r.Context(), domain.ArchivePrefix)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		out := make([]archiveResponse, 0, len(infos))
		for _, b := range infos {
			out = append(out, archiveResponse{Key: b.Key, Size: b.Size, ETag: b.ETag, ModifiedAt: b.ModifiedAt})
		}
		writeJSON(w, http.StatusOK, out)
	})(w, r)
}

// Abandoned lists mirror jobs that need manual attention.
// GET /api/v1/admin/mirror/abandoned?limit=&offset=
func (h *AdminHandler) Abandoned(w http.ResponseWriter, r *http.Request) {
	h.admin(func(w http.ResponseWriter, r *http.Request) {
		jobs, err := h.deps.Abandoned.ListAbandoned(r.Context(), parseListOpts(r))
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	})(w, r)
}

// Audit pages through the audit log, newest first.
// GET /api/v1/admin/audit?event=&limit=&offset=
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	h.admin(func(w http.ResponseWriter, r *http.Request) {
		entries, err := h.deps.Audit.List(r.Context(), r.URL.Query().Get("event"), parseListOpts(r))
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})(w, r)
}
