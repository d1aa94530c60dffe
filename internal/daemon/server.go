// Package daemon runs the UDS HTTP server. One daemon owns the database; a
// flock on the socket lock file keeps a second instance from starting.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Kodiack54/driftboard/internal/api"
	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/db"
	"github.com/Kodiack54/driftboard/internal/dispatch"
	"github.com/Kodiack54/driftboard/internal/ingest"
	"github.com/Kodiack54/driftboard/internal/model"
	"github.com/Kodiack54/driftboard/internal/reconcile"
	"github.com/Kodiack54/driftboard/internal/target"
)

type Server struct {
	cfg        config.Config
	httpSrv    *http.Server
	listener   net.Listener
	lockFile   *os.File
	store      *db.Store
	engine     *ingest.Engine
	svc        *reconcile.Service
	dispatcher *dispatch.Dispatcher

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store) *Server {
	return NewServerWithExecutor(cfg, store, target.NewExecutor(cfg))
}

func NewServerWithExecutor(cfg config.Config, store *db.Store, executor *target.Executor) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:   cfg,
		store: store,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if store != nil {
		s.engine = ingest.NewEngine(store, cfg)
		s.svc = reconcile.NewService(store, cfg)
		s.dispatcher = dispatch.NewDispatcherWithExecutor(store, cfg, executor)
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if store != nil {
		mux.HandleFunc("/v1/reports/git", s.gitReportHandler)
		mux.HandleFunc("/v1/reports/db", s.dbReportHandler)
		mux.HandleFunc("/v1/reports/nodes", s.nodeReportHandler)
		mux.HandleFunc("/v1/repos", s.reposHandler)
		mux.HandleFunc("/v1/summary", s.summaryHandler)
		mux.HandleFunc("/v1/families", s.familiesHandler)
		mux.HandleFunc("/v1/families/", s.familyActionHandler)
		mux.HandleFunc("/v1/attention", s.attentionHandler)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	if s.store != nil {
		if repos, err := s.store.ListRepos(r.Context()); err == nil {
			resp.RepoCount = len(repos)
		}
		if nodes, err := s.store.ListNodes(r.Context()); err == nil {
			resp.NodeCount = len(nodes)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) gitReportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.GitReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid json body")
		return
	}
	state, err := gitStateFromRequest(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	status, err := s.engine.ReportGitState(r.Context(), state)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReportResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        string(status),
	})
}

func (s *Server) dbReportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.DBReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid json body")
		return
	}
	rec, err := dbDriftFromRequest(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	if err := s.engine.ReportDBDrift(r.Context(), rec); err != nil {
		s.writeIngestError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReportResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "applied",
	})
}

func (s *Server) nodeReportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.NodeReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid json body")
		return
	}
	node := model.NodeHealth{
		NodeID:        req.NodeID,
		Role:          model.NodeRole(req.Role),
		Kind:          model.NodeKind(req.Kind),
		ConnectionRef: req.ConnectionRef,
		RunningCount:  req.RunningCount,
		StoppedCount:  req.StoppedCount,
		ErroredCount:  req.ErroredCount,
	}
	if err := s.engine.ReportNodeHealth(r.Context(), node); err != nil {
		s.writeIngestError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReportResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "applied",
	})
}

func (s *Server) reposHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRepos(w, r)
	case http.MethodPost:
		s.upsertRepo(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listRepos(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	repos, err := s.store.ListRepos(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list repos")
		return
	}
	items := make([]api.RepoItem, 0, len(repos))
	for _, entry := range repos {
		items = append(items, repoItem(entry))
	}
	s.writeJSON(w, http.StatusOK, api.ListEnvelope[api.RepoItem]{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Filters:       map[string]any{},
		Items:         items,
	})
}

func (s *Server) upsertRepo(w http.ResponseWriter, r *http.Request) {
	var req api.RepoUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid json body")
		return
	}
	req.RepoID = strings.TrimSpace(req.RepoID)
	if req.RepoID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "repo_id required")
		return
	}
	now := time.Now().UTC()
	entry, err := s.store.GetRepo(r.Context(), req.RepoID)
	if errors.Is(err, db.ErrNotFound) {
		entry = model.RegistryEntry{RepoID: req.RepoID, DisplayName: req.RepoID, IsActive: true}
	} else if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to load repo")
		return
	}
	applyRepoUpsert(&entry, req)
	entry.UpdatedAt = now
	if err := s.store.UpsertRepo(r.Context(), entry); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to store repo")
		return
	}
	s.writeJSON(w, http.StatusOK, api.RepoUpsertResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Repo:          repoItem(entry),
	})
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	now := time.Now().UTC()
	filters := filtersFromQuery(r)
	result, err := s.svc.Summaries(r.Context(), filters, now)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	items := make([]api.RepoSummaryItem, 0, len(result.Pairs))
	for _, pair := range result.Pairs {
		items = append(items, summaryItem(pair))
	}
	s.writeJSON(w, http.StatusOK, api.ListEnvelope[api.RepoSummaryItem]{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Filters:       filtersMap(filters),
		Counts:        statusCounts(result.Counts),
		Items:         items,
	})
}

func (s *Server) familiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	now := time.Now().UTC()
	filters := filtersFromQuery(r)
	result, err := s.svc.Families(r.Context(), filters, now)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	items := make([]api.FamilyItem, 0, len(result.Families))
	for _, fam := range result.Families {
		items = append(items, familyItem(fam))
	}
	s.writeJSON(w, http.StatusOK, api.ListEnvelope[api.FamilyItem]{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Filters:       filtersMap(filters),
		Counts:        statusCounts(result.Counts),
		Items:         items,
	})
}

// familyActionHandler serves POST /v1/families/{key}/sync.
func (s *Server) familyActionHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/families/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || parts[1] != "sync" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "family route not found")
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	now := time.Now().UTC()
	action, err := s.dispatcher.SyncFamily(r.Context(), parts[0], now)
	if err != nil {
		switch {
		case strings.Contains(err.Error(), model.ErrRefNotFound):
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, err.Error())
		case strings.Contains(err.Error(), model.ErrFamilyNoQuorum):
			s.writeError(w, http.StatusConflict, model.ErrFamilyNoQuorum, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, syncActionResponse(action, now))
}

func (s *Server) attentionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	now := time.Now().UTC()
	feed, err := s.svc.AttentionFeed(r.Context(), now)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attentionEnvelope(feed, now))
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), model.ErrRefInvalid) {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), model.ErrFilterInvalid) {
		s.writeError(w, http.StatusBadRequest, model.ErrFilterInvalid, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
}

func filtersFromQuery(r *http.Request) reconcile.Filters {
	q := r.URL.Query()
	return reconcile.Filters{
		Group:       q.Get("group"),
		ProjectSlug: q.Get("project_slug"),
		State:       q.Get("state"),
		Family:      q.Get("family"),
		ActiveOnly:  q.Get("active_only") == "true" || q.Get("active_only") == "1",
	}
}

func filtersMap(f reconcile.Filters) map[string]any {
	m := map[string]any{}
	if f.Group != "" {
		m["group"] = f.Group
	}
	if f.ProjectSlug != "" {
		m["project_slug"] = f.ProjectSlug
	}
	if f.State != "" {
		m["state"] = f.State
	}
	if f.Family != "" {
		m["family"] = f.Family
	}
	if f.ActiveOnly {
		m["active_only"] = true
	}
	return m
}

func statusCounts(counts map[model.SyncStatus]int) map[string]int {
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
