package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"triggerflow/internal/codec"
	"triggerflow/internal/domain"
	"triggerflow/internal/queue"
	"triggerflow/internal/scheduler"
	"triggerflow/internal/store"
)

// Accounts is the account and task group store.
type Accounts interface {
	CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	GetAccounts(ctx context.Context, req domain.PaginationRequest) (domain.PaginationResult[domain.Account], error)
	CreateTaskGroup(ctx context.Context, tg domain.TaskGroupDefinition) (domain.TaskGroupDefinition, error)
	GetTaskGroupDefinitions(ctx context.Context, accountID string, req domain.PaginationRequest) (domain.PaginationResult[domain.TaskGroupDefinition], error)
}

// Messages is the read side of the outbox.
type Messages interface {
	Get(ctx context.Context, id string) (domain.Message, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Message, error)
	CountByState(ctx context.Context) (map[string]int, error)
}

// Trigger starts full scheduling runs.
type Trigger interface {
	Trigger(ctx context.Context, trigger string) (string, error)
	Last() (scheduler.RunStatus, bool)
	Spec() string
	Next() time.Time
}

// AccountStarter starts scheduling of a single account.
type AccountStarter interface {
	StartAccount(ctx context.Context, accountID, accountName string) error
}

type Deps struct {
	Accounts  Accounts
	Messages  Messages
	Trigger   Trigger
	Scheduler AccountStarter
	// BaseContext outlives requests; background runs are bound to it.
	BaseContext context.Context
	Logger      zerolog.Logger
	Debug       bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
	log  zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	r := chi.NewRouter()
	s := &Server{r: r, deps: d, log: d.Logger.With().Str("component", "api").Logger()}
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/accounts", s.createAccount)
		r.Get("/accounts", s.listAccounts)
		r.Get("/accounts/{id}", s.getAccount)
		r.Post("/accounts/{id}/task-groups", s.createTaskGroup)
		r.Get("/accounts/{id}/task-groups", s.listTaskGroups)
		r.Post("/accounts/{id}/schedule", s.scheduleAccount)

		r.Get("/schedules", s.scheduleStatus)
		r.Post("/schedules/run", s.runSchedules)

		r.Get("/messages", s.listMessages)
		r.Get("/messages/stats", s.messageStats)
		r.Get("/messages/{id}", s.getMessage)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createAccountReq struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := codec.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name is required", 400)
		return
	}
	a, err := s.deps.Accounts.CreateAccount(r.Context(), domain.Account{ID: req.ID, Name: req.Name, Title: req.Title})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	page, err := s.deps.Accounts.GetAccounts(r.Context(), req)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, 200, page)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Accounts.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, 200, a)
}

type createTaskGroupReq struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) createTaskGroup(w http.ResponseWriter, r *http.Request) {
	var req createTaskGroupReq
	if err := codec.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name is required", 400)
		return
	}
	tg, err := s.deps.Accounts.CreateTaskGroup(r.Context(), domain.TaskGroupDefinition{
		ID:          req.ID,
		AccountID:   chi.URLParam(r, "id"),
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tg)
}

func (s *Server) listTaskGroups(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Accounts.GetAccount(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	page, err := s.deps.Accounts.GetTaskGroupDefinitions(r.Context(), id, req)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, 200, page)
}

func (s *Server) scheduleAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Accounts.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.deps.Scheduler.StartAccount(r.Context(), a.ID, a.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"account_id": a.ID})
}

type scheduleStatusResp struct {
	Cron    string               `json:"cron,omitempty"`
	NextRun *time.Time           `json:"next_run,omitempty"`
	LastRun *scheduler.RunStatus `json:"last_run,omitempty"`
}

func (s *Server) scheduleStatus(w http.ResponseWriter, r *http.Request) {
	resp := scheduleStatusResp{Cron: s.deps.Trigger.Spec()}
	if next := s.deps.Trigger.Next(); !next.IsZero() {
		resp.NextRun = &next
	}
	if last, ok := s.deps.Trigger.Last(); ok {
		resp.LastRun = &last
	}
	writeJSON(w, 200, resp)
}

func (s *Server) runSchedules(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Trigger.Trigger(s.deps.BaseContext, "api")
	if errors.Is(err, scheduler.ErrRunInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

type messageView struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   string          `json:"next_run_at"`
	LastError   string          `json:"last_error,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   string          `json:"created_at"`
}

func toView(m domain.Message) messageView {
	return messageView{
		ID:          m.ID,
		Source:      m.Source,
		State:       m.State,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		NextRunAt:   m.NextRunAt.Format(time.RFC3339),
		LastError:   m.LastError,
		Payload:     json.RawMessage(m.Payload),
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", 400)
			return
		}
		limit = n
	}
	msgs, err := s.deps.Messages.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, toView(m))
	}
	writeJSON(w, 200, views)
}

func (s *Server) messageStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Messages.CountByState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, counts)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Messages.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toView(m))
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, store.ErrInvalidToken):
		http.Error(w, err.Error(), 400)
	default:
		s.log.Error().Err(err).Msg("store error")
		http.Error(w, err.Error(), 500)
	}
}

func pageRequest(r *http.Request) (domain.PaginationRequest, error) {
	q := r.URL.Query()
	req := domain.PaginationRequest{PageSize: store.DefaultPageSize, ContinuationToken: q.Get("token")}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, errors.New("page_size must be a positive integer")
		}
		req.PageSize = n
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = codec.NewEncoder(w).Encode(v)
}
