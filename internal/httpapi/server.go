// Package httpapi serves the internal knowledge management API: drive
// refresh, per-profile cleanup and sync, pruning and health.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/gdrive"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/notify"
)

// Knowledge is the KB maintenance surface the API exposes.
type Knowledge interface {
	CleanupProfile(ctx context.Context, profileID int64) error
	RebuildProfile(ctx context.Context, profileID int64) error
	Prune(ctx context.Context) (int, error)
}

// Refresher runs a drive folder ingestion.
type Refresher interface {
	Load(ctx context.Context, force bool) (gdrive.Summary, error)
}

// Syncer schedules a background profile sync.
type Syncer interface {
	ScheduleProfileSync(profileID int64)
}

// Credentials guards the public refresh endpoint with basic auth.
type Credentials struct {
	User     string
	Password string
}

// Server is the internal HTTP API.
type Server struct {
	kb        Knowledge
	refresher Refresher
	syncer    Syncer
	signer    *notify.Signer
	creds     Credentials
	log       *zap.Logger

	srv *http.Server
}

// New assembles the API server on addr.
func New(addr string, kb Knowledge, refresher Refresher, syncer Syncer, signer *notify.Signer, creds Credentials, log *zap.Logger) *Server {
	s := &Server{
		kb:        kb,
		refresher: refresher,
		syncer:    syncer,
		signer:    signer,
		creds:     creds,
		log:       log,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/knowledge", func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Post("/refresh/", s.handleRefresh)
	})

	r.Route("/internal/knowledge", func(r chi.Router) {
		r.Use(s.hmacAuth)
		r.Post("/profiles/{id}/cleanup/", s.handleCleanup)
		r.Post("/profiles/{id}/sync/", s.handleSync)
		r.Post("/prune/", s.handlePrune)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info("http api shutting down")
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// basicAuth protects the public refresh endpoint.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.creds.User)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.creds.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="knowledge"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hmacAuth verifies the internal signature headers over the raw body.
func (s *Server) hmacAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		r.Body.Close()
		if err := s.signer.Verify(r.Header, body); err != nil {
			s.log.Warn("rejected internal request", zap.Error(err), zap.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRefresh kicks a drive load. The run continues in the background;
// the response carries the accepted parameters.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := s.refresher.Load(ctx, force); err != nil {
			s.log.Error("knowledge refresh failed", zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
		"force":  force,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	if err := s.kb.CleanupProfile(r.Context(), id); err != nil {
		s.log.Error("cleanup failed", zap.Int64("profile", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "profile_id": id})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	s.syncer.ScheduleProfileSync(id)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "profile_id": id})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	removed, err := s.kb.Prune(r.Context())
	if err != nil {
		s.log.Error("prune failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "prune failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "removed": removed})
}

func profileID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad profile id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
