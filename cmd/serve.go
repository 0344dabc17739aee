package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapmigrate/transfer-cli/internal/batch"
	"github.com/mapmigrate/transfer-cli/internal/guardrails"
	"github.com/mapmigrate/transfer-cli/internal/matching"
	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/session"
	"github.com/mapmigrate/transfer-cli/internal/store"
	"github.com/mapmigrate/transfer-cli/internal/transfer"
	"github.com/mapmigrate/transfer-cli/internal/verification"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for the web UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initMatchEnv(ctx, matching.Options{}, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := &server{
			store:    env.Store,
			sessions: env.Sessions,
			verify:   env.Verify,
			executor: env.Executor,
			engine:   env.Engine,
			runCtx:   ctx,
			log:      zap.L().Named("serve"),
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srv.router(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// server holds the HTTP facade's collaborators. runCtx outlives individual
// requests so asynchronous batch runs survive the request that started
// them.
type server struct {
	store    store.Store
	sessions *session.Service
	verify   *verification.Service
	executor *transfer.Executor
	engine   *batch.Engine
	runCtx   context.Context
	log      *zap.Logger
}

func (s *server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/api/guardrails/{tier}", s.handleGuardrails)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/{id}", s.handleGetSession)
		r.Get("/{id}/progress", s.handleProgress)
		r.Get("/{id}/records", s.handleListRecords)
		r.Post("/{id}/pause", s.handlePause)
		r.Post("/{id}/resume", s.handleResume)
		r.Post("/{id}/accept-high", s.handleAcceptHigh)
		r.Post("/{id}/execute", s.handleExecute)
	})

	r.Route("/api/records", func(r chi.Router) {
		r.Post("/{id}/accept", s.handleVerdict(model.VerificationAccepted))
		r.Post("/{id}/reject", s.handleVerdict(model.VerificationRejected))
		r.Post("/{id}/manual", s.handleManual)
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleGuardrails(w http.ResponseWriter, r *http.Request) {
	tier := model.Tier(chi.URLParam(r, "tier"))
	writeJSON(w, http.StatusOK, guardrails.ForTier(tier))
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PackID string `json:"pack_id"`
		UserID string `json:"user_id"`
		Tier   string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PackID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "pack_id and user_id are required")
		return
	}

	places, err := s.store.ListPlacesByPack(r.Context(), req.PackID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if len(places) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "pack holds no places")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.PackID, req.UserID, model.Tier(req.Tier), len(places))
	if err != nil {
		if eris.Is(err, session.ErrPackTooLarge) {
			writeError(w, http.StatusUnprocessableEntity, "pack exceeds tier place limit")
			return
		}
		s.writeStoreError(w, err)
		return
	}

	s.startRun(sess.ID)
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.sessions.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListMatchRecords(r.Context(), store.RecordFilter{
		SessionID: chi.URLParam(r, "id"),
		Status:    model.VerificationStatus(r.URL.Query().Get("status")),
		Level:     model.ConfidenceLevel(r.URL.Query().Get("level")),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handlePause transitions the session; the running engine sees the new
// status at its next batch boundary and lets in-flight calls finish.
func (s *server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Pause(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// handleResume restarts the batch run asynchronously; the engine performs
// the paused→processing transition itself.
func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if sess.Status != model.SessionPaused {
		writeError(w, http.StatusConflict, fmt.Sprintf("session is %s, resume needs paused", sess.Status))
		return
	}

	s.startRun(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

func (s *server) handleAcceptHigh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VerifiedBy string `json:"verified_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	n, err := s.verify.AcceptAllHighConfidence(r.Context(), chi.URLParam(r, "id"), req.VerifiedBy)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": n})
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetService string `json:"target_service"`
		GenerateOnly  bool   `json:"generate_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// OpenInBrowser stays false: the API never opens browsers on the
	// server host, the UI opens the returned URLs itself.
	result, err := s.executor.Execute(r.Context(), chi.URLParam(r, "id"), transfer.ExecuteOptions{
		TargetService: model.TargetService(req.TargetService),
		GenerateOnly:  req.GenerateOnly,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleVerdict(status model.VerificationStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			VerifiedBy string `json:"verified_by"`
			Notes      string `json:"notes"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		id := chi.URLParam(r, "id")
		var err error
		if status == model.VerificationAccepted {
			err = s.verify.Accept(r.Context(), id, req.VerifiedBy, req.Notes)
		} else {
			err = s.verify.Reject(r.Context(), id, req.VerifiedBy, req.Notes)
		}
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
	}
}

func (s *server) handleManual(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string                     `json:"query"`
		Candidate  *model.NormalizedCandidate `json:"candidate"`
		VerifiedBy string                     `json:"verified_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Candidate == nil {
		writeError(w, http.StatusBadRequest, "candidate is required")
		return
	}

	if err := s.verify.SetManualSearchData(r.Context(), chi.URLParam(r, "id"), req.Query, req.Candidate, req.VerifiedBy); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.VerificationManual)})
}

// startRun launches a batch run detached from the originating request. A
// nil engine (store-only deployments and tests) logs and skips.
func (s *server) startRun(sessionID string) {
	if s.engine == nil {
		s.log.Warn("no batch engine configured, session left for a CLI run", zap.String("session_id", sessionID))
		return
	}
	go func() {
		err := s.engine.Run(s.runCtx, sessionID)
		switch {
		case err == nil:
			s.log.Info("batch run finished", zap.String("session_id", sessionID))
		case errors.Is(err, batch.ErrDailyCapExhausted), errors.Is(err, batch.ErrPausedOnError):
			s.log.Warn("batch run paused", zap.String("session_id", sessionID), zap.Error(err))
		default:
			s.log.Error("batch run failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

func (s *server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case eris.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
