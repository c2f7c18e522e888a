// pagesync_server runs a pagesync repository behind an admin HTTP API.
// Clients open page sessions, close them, evaluate the closed-page
// predicates, delete page storage and trigger cleanup passes over JSON
// endpoints; the repository does the rest.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagesync/config/certs"
	cloudsync "github.com/sushant-115/pagesync/core/cloud_sync"
	pageeviction "github.com/sushant-115/pagesync/core/page_eviction"
	"github.com/sushant-115/pagesync/core/pages"
	"github.com/sushant-115/pagesync/core/repository"
	pagestore "github.com/sushant-115/pagesync/core/storage/page_store"
	internaltelemetry "github.com/sushant-115/pagesync/internal/telemetry"
	"github.com/sushant-115/pagesync/pkg/config"
	"github.com/sushant-115/pagesync/pkg/logger"
	"github.com/sushant-115/pagesync/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the yaml config file")
	listenAddr = flag.String("listen_addr", "", "Admin API bind address (overrides config)")
	rootDir    = flag.String("root_dir", "", "Repository root directory (overrides config)")
	openLimit  = flag.Int("open_pages_limit", -1, "Background sync open pages limit (overrides config)")
)

// apiResponse is the uniform JSON envelope of every admin endpoint.
type apiResponse struct {
	Status    string      `json:"status"` // OK, ERROR, NOT_FOUND, REFUSED
	Message   string      `json:"message,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	PageID    string      `json:"page_id,omitempty"`
	Result    string      `json:"result,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

type openRequest struct {
	Ledger string `json:"ledger"`
	PageID string `json:"page_id,omitempty"` // hex; empty allocates a fresh page
}

type closeRequest struct {
	SessionID string `json:"session_id"`
}

type pageRequest struct {
	Ledger string `json:"ledger"`
	PageID string `json:"page_id"`
}

type predicateRequest struct {
	Ledger    string `json:"ledger"`
	PageID    string `json:"page_id"`
	Predicate string `json:"predicate"` // closed_and_synced | closed_offline_and_empty
}

type cleanupRequest struct {
	Policy      string `json:"policy,omitempty"` // lru (default) | age
	MaxAgeHours int    `json:"max_age_hours,omitempty"`
}

// session is the server half of one open page connection. onClosed is set
// and invoked on the repository's event loop.
type session struct {
	id       string
	key      pages.Key
	svc      *adminService
	onClosed func()
}

func (s *session) SetOnClosed(cb func()) { s.onClosed = cb }

// Close is the repository-initiated teardown; the admin registry just
// forgets the session.
func (s *session) Close() { s.svc.remove(s.id) }

// adminService owns the session registry and the admin endpoints.
type adminService struct {
	repo    *repository.Repository
	logger  *zap.Logger
	started time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func newAdminService(repo *repository.Repository, zlogger *zap.Logger) *adminService {
	return &adminService{
		repo:     repo,
		logger:   zlogger.Named("admin"),
		started:  time.Now(),
		sessions: make(map[string]*session),
	}
}

func (s *adminService) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/pages/open", s.handleOpen)
	mux.HandleFunc("/api/pages/close", s.handleClose)
	mux.HandleFunc("/api/pages/delete", s.handleDelete)
	mux.HandleFunc("/api/pages/predicate", s.handlePredicate)
	mux.HandleFunc("/api/cleanup", s.handleCleanup)
	mux.HandleFunc("/status", s.handleStatus)
}

func (s *adminService) add(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

func (s *adminService) take(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	return sess
}

func (s *adminService) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *adminService) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *adminService) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var id pages.ID
	if req.PageID != "" {
		var err error
		if id, err = pages.IDFromHex(req.PageID); err != nil {
			writeJSON(w, http.StatusBadRequest, apiResponse{Status: "ERROR", Message: err.Error()})
			return
		}
	}

	sess := &session{id: uuid.NewString(), svc: s}
	done := make(chan apiResponse, 1)
	s.repo.GetPage(req.Ledger, id, sess, func(id pages.ID, err error) {
		if err != nil {
			done <- apiResponse{Status: "ERROR", Message: err.Error()}
			return
		}
		// The session key carries the typed id from the bind; the envelope
		// below is only its hex rendering. The channel send orders this
		// write before the handler reads the key.
		sess.key = pages.Key{Ledger: req.Ledger, Page: id}
		done <- apiResponse{Status: "OK", SessionID: sess.id, PageID: id.Hex()}
	})

	resp, ok := await(w, r, done)
	if !ok {
		// A bind that completes after the client went away must not leave
		// the page open with no session to close it.
		go func() {
			if late := <-done; late.Status == "OK" {
				s.repo.Post(func() {
					if sess.onClosed != nil {
						sess.onClosed()
					}
				})
			}
		}()
		return
	}
	if resp.Status != "OK" {
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	s.add(sess)
	s.logger.Info("page session opened",
		zap.String("ledger", req.Ledger),
		zap.String("pageID", sess.key.Page.Short()),
		zap.String("sessionID", sess.id))
	writeJSON(w, http.StatusOK, resp)
}

func (s *adminService) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess := s.take(req.SessionID)
	if sess == nil {
		writeJSON(w, http.StatusNotFound, apiResponse{Status: "NOT_FOUND", Message: "unknown session"})
		return
	}
	// The closed callback belongs to the event loop.
	s.repo.Post(func() {
		if sess.onClosed != nil {
			sess.onClosed()
		}
	})
	s.logger.Info("page session closed", zap.String("sessionID", sess.id))
	writeJSON(w, http.StatusOK, apiResponse{Status: "OK"})
}

func (s *adminService) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, ok := parseKey(w, req.Ledger, req.PageID)
	if !ok {
		return
	}

	done := make(chan apiResponse, 1)
	s.repo.DeletePageStorage(key, func(err error) {
		switch {
		case err == nil:
			done <- apiResponse{Status: "OK"}
		case errors.Is(err, pagestore.ErrIllegalState):
			done <- apiResponse{Status: "REFUSED", Message: "page is currently open"}
		case errors.Is(err, pagestore.ErrPageNotFound):
			done <- apiResponse{Status: "NOT_FOUND", Message: "no local storage for page"}
		default:
			done <- apiResponse{Status: "ERROR", Message: err.Error()}
		}
	})

	resp, ok := await(w, r, done)
	if !ok {
		return
	}
	writeJSON(w, statusCodeFor(resp.Status), resp)
}

func (s *adminService) handlePredicate(w http.ResponseWriter, r *http.Request) {
	var req predicateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, ok := parseKey(w, req.Ledger, req.PageID)
	if !ok {
		return
	}

	done := make(chan apiResponse, 1)
	complete := func(res pages.PredicateResult, err error) {
		if err != nil {
			status := "ERROR"
			if errors.Is(err, pagestore.ErrPageNotFound) {
				status = "NOT_FOUND"
			}
			done <- apiResponse{Status: status, Message: err.Error()}
			return
		}
		done <- apiResponse{Status: "OK", Result: res.String()}
	}

	switch req.Predicate {
	case "closed_and_synced":
		s.repo.PageIsClosedAndSynced(key, complete)
	case "closed_offline_and_empty":
		s.repo.PageIsClosedOfflineAndEmpty(key, complete)
	default:
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "ERROR", Message: "unknown predicate: " + req.Predicate})
		return
	}

	resp, ok := await(w, r, done)
	if !ok {
		return
	}
	writeJSON(w, statusCodeFor(resp.Status), resp)
}

func (s *adminService) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Status: "ERROR", Message: "POST required"})
		return
	}
	var req cleanupRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	policy, err := policyFor(req.Policy, time.Duration(req.MaxAgeHours)*time.Hour)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "ERROR", Message: err.Error()})
		return
	}

	done := make(chan apiResponse, 1)
	s.repo.TryCleanUp(policy, func(err error) {
		if err != nil {
			done <- apiResponse{Status: "ERROR", Message: err.Error()}
			return
		}
		done <- apiResponse{Status: "OK"}
	})

	resp, ok := await(w, r, done)
	if !ok {
		return
	}
	writeJSON(w, statusCodeFor(resp.Status), resp)
}

func (s *adminService) handleStatus(w http.ResponseWriter, r *http.Request) {
	done := make(chan apiResponse, 1)
	s.repo.Stats(func(stats repository.Stats, err error) {
		if err != nil {
			done <- apiResponse{Status: "ERROR", Message: err.Error()}
			return
		}
		done <- apiResponse{Status: "OK", Data: map[string]interface{}{
			"uptime_seconds": int(time.Since(s.started).Seconds()),
			"sessions":       s.sessionCount(),
			"stats":          stats,
		}}
	})

	resp, ok := await(w, r, done)
	if !ok {
		return
	}
	writeJSON(w, statusCodeFor(resp.Status), resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Status: "ERROR", Message: "POST required"})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "ERROR", Message: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func parseKey(w http.ResponseWriter, ledger, pageHex string) (pages.Key, bool) {
	id, err := pages.IDFromHex(pageHex)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "ERROR", Message: err.Error()})
		return pages.Key{}, false
	}
	return pages.Key{Ledger: ledger, Page: id}, true
}

// await blocks for the repository completion, honoring client disconnects.
func await(w http.ResponseWriter, r *http.Request, done <-chan apiResponse) (apiResponse, bool) {
	select {
	case resp := <-done:
		return resp, true
	case <-r.Context().Done():
		writeJSON(w, http.StatusServiceUnavailable, apiResponse{Status: "ERROR", Message: "request canceled"})
		return apiResponse{}, false
	}
}

func writeJSON(w http.ResponseWriter, code int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func statusCodeFor(status string) int {
	switch status {
	case "OK":
		return http.StatusOK
	case "NOT_FOUND":
		return http.StatusNotFound
	case "REFUSED":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func policyFor(name string, maxAge time.Duration) (pageeviction.Policy, error) {
	switch name {
	case "", "lru":
		return pageeviction.NewLeastRecentlyUsedPolicy(), nil
	case "age":
		return pageeviction.NewAgeBasedPolicy(maxAge), nil
	default:
		return nil, fmt.Errorf("unknown cleanup policy: %s", name)
	}
}

func buildUplink(cfg config.Uplink, zlogger *zap.Logger) (*cloudsync.Uplink, error) {
	ucfg := cloudsync.Config{
		Addr:           cfg.Addr,
		URLPath:        cfg.URLPath,
		NumConnections: cfg.Connections,
		FlushInterval:  time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
		Logger:         zlogger,
		Metrics: &cloudsync.Metrics{
			OnMarkerDropped: func(reason string) {
				zlogger.Warn("sync marker dropped", zap.String("reason", reason))
			},
			OnConnFailed: func(connID int, err error) {
				zlogger.Warn("cloud connection failed",
					zap.Int("connID", connID), zap.Error(err))
			},
		},
	}
	if cfg.CACert != "" {
		tlsCfg, err := certs.LoadClient(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("load uplink CA: %w", err)
		}
		ucfg.TLS = tlsCfg
	}
	return cloudsync.NewUplink(ucfg)
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: loading config failed: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *rootDir != "" {
		cfg.Repository.RootDir = *rootDir
	}
	if *openLimit >= 0 {
		cfg.Repository.OpenPagesLimit = *openLimit
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: can't initialize logger: %v", err)
	}
	zlogger.Info("starting pagesync server",
		zap.String("listenAddr", cfg.Server.ListenAddr),
		zap.String("rootDir", cfg.Repository.RootDir),
		zap.Int("openPagesLimit", cfg.Repository.OpenPagesLimit),
		zap.Bool("uplinkEnabled", cfg.Uplink.Enabled))

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("initializing telemetry failed", zap.Error(err))
	}
	metrics, err := internaltelemetry.NewLifecycleMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("creating lifecycle metrics failed", zap.Error(err))
	}

	var uplink *cloudsync.Uplink
	repoCfg := repository.Config{
		RootDir:        cfg.Repository.RootDir,
		OpenPagesLimit: cfg.Repository.OpenPagesLimit,
		Eviction: pageeviction.Config{
			DeleteRate:  rate.Limit(cfg.Repository.DeleteRate),
			DeleteBurst: cfg.Repository.DeleteBurst,
		},
		Metrics: metrics,
		Logger:  zlogger,
	}
	if cfg.Uplink.Enabled {
		uplink, err = buildUplink(cfg.Uplink, zlogger)
		if err != nil {
			zlogger.Fatal("initializing cloud uplink failed", zap.Error(err))
		}
		repoCfg.SyncStarter = uplink
	}

	repo, err := repository.New(repoCfg)
	if err != nil {
		zlogger.Fatal("opening repository failed", zap.Error(err))
	}

	service := newAdminService(repo, zlogger)
	mux := http.NewServeMux()
	service.register(mux)
	httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		zlogger.Info("admin API listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlogger.Error("admin API server failed", zap.Error(err))
		}
	}()

	stopCleanup := make(chan struct{})
	if interval := cfg.Repository.CleanupIntervalSeconds; interval > 0 {
		policy, err := policyFor(cfg.Repository.CleanupPolicy,
			time.Duration(cfg.Repository.CleanupMaxAgeHours)*time.Hour)
		if err != nil {
			zlogger.Fatal("invalid cleanup policy", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(interval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					repo.TryCleanUp(policy, func(err error) {
						if err != nil {
							zlogger.Warn("cleanup pass failed", zap.Error(err))
						}
					})
				case <-stopCleanup:
					return
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zlogger.Info("shutting down", zap.String("signal", sig.String()))

	grace := time.Duration(cfg.Server.ShutdownGraceSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		zlogger.Warn("admin API shutdown incomplete", zap.Error(err))
	}
	close(stopCleanup)
	if err := repo.Close(); err != nil {
		zlogger.Error("closing repository failed", zap.Error(err))
	}
	if uplink != nil {
		if err := uplink.Close(); err != nil {
			zlogger.Warn("closing uplink failed", zap.Error(err))
		}
	}
	if err := telShutdown(ctx); err != nil {
		zlogger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	wg.Wait()
	zlogger.Info("pagesync server shut down gracefully")
	_ = zlogger.Sync()
}
