// Package httpapi implements the administrative HTTP surface as a
// plain routed handler set: no inherited controller hierarchy,
// handlers registered by path into a std-library mux. The server
// tracks active requests and renders every error as the structured
// {code, message, details} envelope.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/pushsurface"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/supervisor"
	"github.com/operator/marketsync/internal/types"
)

// Server is the admin HTTP surface. It owns no state of its
// own beyond request bookkeeping; everything it serves is read through
// storage.Storage, internal/queue, and internal/supervisor.
type Server struct {
	store      storage.Storage
	q          *queue.Queue
	sup        *supervisor.Supervisor
	hub        *pushsurface.Hub
	log        logging.Logger
	mux        *http.ServeMux
	startTime  time.Time
	activeReqs atomic.Int64
}

// Config configures a Server.
type Config struct {
	Store      storage.Storage
	Queue      *queue.Queue
	Supervisor *supervisor.Supervisor
	Hub        *pushsurface.Hub // optional; nil disables /events replay
	Log        logging.Logger
}

// New builds a Server and registers every admin route.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logging.New("INFO", nil)
	}
	s := &Server{
		store:     cfg.Store,
		q:         cfg.Queue,
		sup:       cfg.Supervisor,
		hub:       cfg.Hub,
		log:       log,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler, wrapped with the request
// bookkeeping middleware every route shares.
func (s *Server) Handler() http.Handler {
	return s.track(s.mux)
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.activeReqs.Add(1)
		defer s.activeReqs.Add(-1)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /products", s.listProducts)
	s.mux.HandleFunc("GET /products/{id}", s.getProduct)
	s.mux.HandleFunc("POST /products/{id}/sync", s.syncProduct)
	s.mux.HandleFunc("POST /sync-records", s.createSyncRun)
	s.mux.HandleFunc("POST /sync-records/{id}/cancel", s.cancelSyncRun)
	s.mux.HandleFunc("POST /sync-records/{id}/retry", s.retrySyncRun)
	s.mux.HandleFunc("GET /sync-records/progress/{task_id}", s.syncProgress)
	s.mux.HandleFunc("GET /dashboard/stats", s.dashboardStats)
	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /events/{channel}", s.replayEvents)
}

// replayEvents serves the reconnect-and-replay half of the push surface
// over plain HTTP: a client that lost its live subscription polls
// /events/{channel}?task_id=X&after_seq=N to catch up from the hub's
// bounded replay buffer, then re-subscribes on whatever live transport
// the deployment's thin client uses.
func (s *Server) replayEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeTyped(w, http.StatusNotFound, errs.Wrap(errs.ErrNotFound, "push surface not enabled on this process", nil))
		return
	}
	channel := r.PathValue("channel")
	taskID := r.URL.Query().Get("task_id")
	afterSeq, _ := strconv.ParseUint(r.URL.Query().Get("after_seq"), 10, 64)
	events := s.hub.ReplaySince(channel, taskID, afterSeq)
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "task_id": taskID, "events": events})
}

// --- envelope helpers -------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeTyped(w http.ResponseWriter, status int, t *errs.Typed) {
	writeJSON(w, status, map[string]any{
		"code":    t.Code,
		"message": t.Message,
		"details": t.Details,
	})
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeBadRequest, errs.CodeValidationError:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeForbidden:
		return http.StatusForbidden
	case errs.CodeTooManyRequests:
		return http.StatusTooManyRequests
	case errs.CodeQueueUnavailable, errs.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	t := errs.Wrap(err, err.Error(), nil)
	writeTyped(w, statusFor(t.Code), t)
}

// --- /products ----------------------------------------------------------

type productListResponse struct {
	Items      []*types.Product `json:"items"`
	Total      int              `json:"total"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ProductFilter{
		Text:        q.Get("text"),
		CategoryID:  q.Get("category"),
		SupplierRef: q.Get("supplier"),
		Status:      types.ProductStatus(q.Get("status")),
		SyncStatus:  types.SyncStatus(q.Get("sync_status")),
		Limit:       intOr(q.Get("limit"), 50),
		Offset:      intOr(q.Get("offset"), 0),
	}
	if v := q.Get("price_min"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.PriceMin = &f
		}
	}
	if v := q.Get("price_max"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.PriceMax = &f
		}
	}
	if v := q.Get("rating_min"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.RatingMin = &f
		}
	}
	items, total, err := s.store.SearchProducts(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, productListResponse{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func intOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.store.GetProduct(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if p == nil {
		writeTyped(w, http.StatusNotFound, errs.Wrap(errs.ErrNotFound, "product not found", map[string]any{"id": id}))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// syncProduct enqueues a single-product fetch-and-sync at HIGH priority.
func (s *Server) syncProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.store.GetProduct(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if p == nil {
		writeTyped(w, http.StatusNotFound, errs.Wrap(errs.ErrNotFound, "product not found", map[string]any{"id": id}))
		return
	}
	workID, err := s.q.Enqueue(r.Context(), queue.EnqueueArgs{
		TaskName: "crawl.fetch_product_details",
		Args:     map[string]string{"product_id": p.ID, "source_id": p.SourceID},
		Queue:    queue.Crawler,
		Priority: types.PriorityHigh,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"work_id": workID})
}

// --- /sync-records --------------------------------------------------------

type createSyncRunRequest struct {
	OperationType types.OperationType `json:"operation_type"`
	SyncKind      types.SyncKind      `json:"sync_type"`
	Category      string              `json:"category,omitempty"`
	Keyword       string              `json:"keyword,omitempty"`
}

func driverTaskFor(kind types.SyncKind) (taskName string, ok bool) {
	switch kind {
	case types.SyncKindProduct, types.SyncKindAll:
		return "sync.products", true
	case types.SyncKindSupplier:
		return "sync.suppliers", true
	default:
		return "", false
	}
}

func (s *Server) createSyncRun(w http.ResponseWriter, r *http.Request) {
	var req createSyncRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTyped(w, http.StatusBadRequest, errs.Wrap(errs.ErrBadRequest, "decoding request body: "+err.Error(), nil))
		return
	}
	taskName, ok := driverTaskFor(req.SyncKind)
	if !ok {
		writeTyped(w, http.StatusBadRequest, errs.Wrap(errs.ErrValidationError, "sync_type must be product, supplier, or all", map[string]any{"sync_type": req.SyncKind}))
		return
	}
	taskID := uuid.NewString()
	run := &types.SyncRun{
		TaskID:        taskID,
		TaskName:      taskName,
		OperationType: req.OperationType,
		SyncKind:      req.SyncKind,
		Status:        types.RunPending,
		StartedAt:     time.Now(),
		ConfigSnapshot: map[string]string{"category": req.Category, "keyword": req.Keyword},
	}
	if run.OperationType == "" {
		run.OperationType = types.OpManual
	}
	if err := s.store.CreateSyncRun(r.Context(), run); err != nil {
		writeErr(w, err)
		return
	}
	workID, err := s.q.Enqueue(r.Context(), queue.EnqueueArgs{
		TaskName: taskName,
		Args:     map[string]any{"TaskID": taskID, "Filter": map[string]string{"Category": req.Category, "Keyword": req.Keyword}},
		Queue:    queue.DataSync,
		Priority: types.PriorityNormal,
		WorkID:   taskID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "work_id": workID})
}

func (s *Server) cancelSyncRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetSyncRun(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if run == nil {
		writeTyped(w, http.StatusNotFound, errs.Wrap(errs.ErrNotFound, "sync run not found", map[string]any{"id": id}))
		return
	}
	run.CancelRequested = true
	if err := s.store.UpdateSyncRun(r.Context(), run); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancel_requested"})
}

func (s *Server) retrySyncRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	prior, err := s.store.GetSyncRun(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if prior == nil {
		writeTyped(w, http.StatusNotFound, errs.Wrap(errs.ErrNotFound, "sync run not found", map[string]any{"id": id}))
		return
	}
	newTaskID := uuid.NewString()
	retry := &types.SyncRun{
		TaskID:         newTaskID,
		TaskName:       prior.TaskName,
		OperationType:  types.OpManual,
		SyncKind:       prior.SyncKind,
		Status:         types.RunPending,
		StartedAt:      time.Now(),
		ConfigSnapshot: prior.ConfigSnapshot,
		RetryOf:        prior.TaskID,
	}
	if err := s.store.CreateSyncRun(r.Context(), retry); err != nil {
		writeErr(w, err)
		return
	}
	resumeFromCheckpoint := r.URL.Query().Get("resume_from_checkpoint") == "true"
	args := map[string]any{"TaskID": newTaskID, "ResumeFromCursor": resumeFromCheckpoint}
	workID, err := s.q.Enqueue(r.Context(), queue.EnqueueArgs{
		TaskName: retry.TaskName,
		Args:     args,
		Queue:    queue.DataSync,
		Priority: types.PriorityNormal,
		WorkID:   newTaskID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": newTaskID, "work_id": workID, "retry_of": prior.TaskID})
}

func (s *Server) syncProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	run, err := s.store.GetSyncRun(r.Context(), taskID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if run == nil {
		writeTyped(w, http.StatusNotFound, errs.Wrap(errs.ErrNotFound, "sync run not found", map[string]any{"task_id": taskID}))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- /dashboard/stats -----------------------------------------------------

type dashboardStatsResponse struct {
	ActiveWorkers    int                      `json:"active_workers"`
	LeasedButStalled int                      `json:"leased_but_stalled"`
	QueueDepths      []supervisor.QueueDepth  `json:"queue_depths"`
	ActiveSyncRuns   int                      `json:"active_sync_runs"`
	Throughput       []supervisor.TaskThroughput `json:"throughput"`
	Taken            time.Time                `json:"taken"`
}

func (s *Server) dashboardStats(w http.ResponseWriter, r *http.Request) {
	snap := s.sup.Latest()
	writeJSON(w, http.StatusOK, dashboardStatsResponse{
		ActiveWorkers:    snap.ActiveWorkers,
		LeasedButStalled: snap.LeasedButStalled,
		QueueDepths:      snap.QueueDepths,
		ActiveSyncRuns:   len(snap.ActiveSyncRuns),
		Throughput:       snap.Throughput,
		Taken:            snap.Taken,
	})
}

// --- /health ---------------------------------------------------------------

type healthResponse struct {
	Status    string            `json:"status"`
	UptimeS   float64           `json:"uptime_seconds"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if s.store.UnderlyingDB() != nil {
		if err := s.store.UnderlyingDB().PingContext(r.Context()); err != nil {
			checks["storage"] = "down: " + err.Error()
			healthy = false
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "ok"
	}

	if _, err := s.q.Depth(r.Context(), queue.Default); err != nil {
		checks["queue"] = "down: " + err.Error()
		healthy = false
	} else {
		checks["queue"] = "ok"
	}

	status := http.StatusOK
	statusStr := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusStr = "unhealthy"
	}
	writeJSON(w, status, healthResponse{
		Status:  statusStr,
		UptimeS: time.Since(s.startTime).Seconds(),
		Checks:  checks,
	})
}
