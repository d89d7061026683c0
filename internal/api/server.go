package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"eggsync/internal/auth"
	"eggsync/internal/egg"
	"eggsync/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID   string
	Username string
}

type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (auth.User, error)
}

// UserRegistrar records callers the first time their token is seen.
type UserRegistrar interface {
	EnsureUser(ctx context.Context, userID, username string) error
}

type Deps struct {
	Auth     TokenVerifier
	Users    UserRegistrar
	Accounts *egg.Manager
	Sync     *egg.Synchronizer
}

type Server struct {
	log      *slog.Logger
	auth     TokenVerifier
	users    UserRegistrar
	accounts *egg.Manager
	sync     *egg.Synchronizer
	mux      *chi.Mux
}

func New(logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:      logger,
		auth:     deps.Auth,
		users:    deps.Users,
		accounts: deps.Accounts,
		sync:     deps.Sync,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware("eggsync/internal/api"))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/egg-accounts", s.handleAccountsList)
			r.Post("/egg-accounts", s.handleAccountCreate)
			r.Put("/egg-accounts/{id}", s.handleAccountUpdate)
			r.Delete("/egg-accounts/{id}", s.handleAccountDelete)
			r.Post("/egg-accounts/refresh/{externalId}", s.handleRefresh)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		if err := s.users.EnsureUser(r.Context(), user.ID, user.Username); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID:   user.ID,
			Username: user.Username,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleAccountsList(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	accounts, err := s.accounts.List(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		ExternalID string `json:"external_id"`
		Status     string `json:"status"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	var status egg.Status
	if strings.TrimSpace(in.Status) != "" {
		if status, err = egg.ParseStatus(in.Status); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}
	acc, err := s.accounts.Create(r.Context(), user.UserID, in.ExternalID, status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleAccountUpdate(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	status, err := egg.ParseStatus(in.Status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	acc, err := s.accounts.UpdateStatus(r.Context(), user.UserID, chi.URLParam(r, "id"), status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.accounts.Delete(r.Context(), user.UserID, chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	res, err := s.sync.Refresh(r.Context(), user.UserID, chi.URLParam(r, "externalId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, egg.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, egg.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, egg.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, egg.ErrUpstream):
		s.log.Warn("upstream failure", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"trace_id", telemetry.TraceID(r.Context()),
			"err", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

// writeJSON encodes before writing the header so an unencodable payload turns
// into a 500 instead of an empty success.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("encode response", "status", status, "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
