package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/tar-bin/atrarium-sub000/internal/atproto"
	"github.com/tar-bin/atrarium-sub000/internal/config"
	"github.com/tar-bin/atrarium-sub000/internal/group"
	"github.com/tar-bin/atrarium-sub000/internal/storage"
	"github.com/tar-bin/atrarium-sub000/internal/stream"
)

// Server is the dispatch layer: it routes inbound calls to the per-group
// actor instances and translates errors to structured payloads. No error
// crosses the actor boundary unhandled.
type Server struct {
	cfg        *config.Config
	registry   *group.Registry
	store      *storage.Store
	source     *atproto.Client
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates the HTTP server fronting the group registry. The source
// client is used only for cache rebuilds from the source-of-truth
// repositories, never on the per-request path.
func NewServer(cfg *config.Config, registry *group.Registry, store *storage.Store, source *atproto.Client, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    store,
		source:   source,
		logger:   logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/.well-known/did.json", s.handleDIDDoc).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator).Methods(http.MethodGet)
	r.HandleFunc("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton).Methods(http.MethodGet)

	api := r.PathPrefix("/api/groups/{group}").Subrouter()
	api.Use(s.requireCaller)

	api.HandleFunc("/posts", s.handleIndexPost).Methods(http.MethodPost)
	api.HandleFunc("/posts", s.handleGetPosts).Methods(http.MethodGet)
	api.HandleFunc("/posts/moderate", s.handleModeratePost).Methods(http.MethodPost)
	api.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)

	api.HandleFunc("/members", s.handleAddMember).Methods(http.MethodPost)
	api.HandleFunc("/members/{did}", s.handleCheckMembership).Methods(http.MethodGet)
	api.HandleFunc("/members/{did}", s.handleRemoveMember).Methods(http.MethodDelete)
	api.HandleFunc("/config", s.handleUpdateConfig).Methods(http.MethodPut)
	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/moderation-rights", s.handleModerationRights).Methods(http.MethodPost)

	api.HandleFunc("/emoji", s.handleGetEmojiRegistry).Methods(http.MethodGet)
	api.HandleFunc("/emoji", s.handleUpdateEmoji).Methods(http.MethodPost)
	api.HandleFunc("/emoji/{shortcode}", s.handleRemoveEmoji).Methods(http.MethodDelete)
	api.HandleFunc("/emoji/rebuild", s.handleRebuildEmoji).Methods(http.MethodPost)
	api.HandleFunc("/emoji/invalidate", s.handleInvalidateEmoji).Methods(http.MethodPost)

	api.HandleFunc("/reactions", s.handleUpdateReaction).Methods(http.MethodPost)
	api.HandleFunc("/reactions", s.handleGetReactions).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/rate-limit", s.handleRateLimit).Methods(http.MethodPost)

	api.HandleFunc("/parent", s.handleGetParent).Methods(http.MethodGet)
	api.HandleFunc("/children", s.handleGetChildren).Methods(http.MethodGet)
	api.HandleFunc("/children", s.handleAddChild).Methods(http.MethodPost)
	api.HandleFunc("/children/{child}", s.handleRemoveChild).Methods(http.MethodDelete)
	api.HandleFunc("/stage", s.handleStageTransition).Methods(http.MethodPost)

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(r)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withRecovery(logger, withLogging(logger, handler)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold the connection open
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) instance(r *http.Request) *group.Instance {
	return s.registry.Get(mux.Vars(r)["group"])
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.ServiceDID(),
		"service": []map[string]any{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": fmt.Sprintf("https://%s", s.cfg.Hostname),
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

// writeActorError maps the actor's error taxonomy to HTTP statuses. Anything
// unrecognized becomes a 500 InternalError carrying the message.
func (s *Server) writeActorError(w http.ResponseWriter, err error) {
	var transition *group.TransitionError
	switch {
	case errors.Is(err, group.ErrNotMember):
		writeError(w, http.StatusForbidden, "NotMember", err.Error())
	case errors.Is(err, group.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, stream.ErrTooManyConnections):
		writeError(w, http.StatusServiceUnavailable, "TooManyConnections", err.Error())
	case errors.As(err, &transition):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":           "InvalidTransition",
			"message":         transition.Error(),
			"reason":          transition.Reason,
			"requiredMembers": transition.RequiredMembers,
			"childrenCount":   transition.ChildrenCount,
		})
	default:
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

func withRecovery(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "InternalError", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack delegates to the wrapped writer so websocket upgrades work through
// the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
