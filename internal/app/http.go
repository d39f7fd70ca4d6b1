package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"waypoint/api/internal/search"
	"waypoint/api/internal/util"
)

// LoginAuthenticator additionally exchanges credentials for tokens.
type LoginAuthenticator interface {
	Authenticator
	Login(ctx context.Context, name, secret string) (string, error)
}

func withIdentities(ctx context.Context, ids []string) context.Context {
	return context.WithValue(ctx, identitiesKey{}, ids)
}

func identities(r *http.Request) []string {
	ids, _ := r.Context().Value(identitiesKey{}).([]string)
	return ids
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

// HTTPServer exposes the movement service over HTTP.
type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

type identitiesKey struct{}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Route("/api/repos/{repo}", func(r chi.Router) {
			r.Get("/bookmarks", s.handleListBookmarks)
			// Bookmark names contain slashes, so the tail of the path
			// is the name.
			r.Put("/bookmarks/*", s.handleMoveBookmark)
			r.Delete("/bookmarks/*", s.handleDeleteBookmark)
			r.Put("/changesets/{id}", s.handlePutChangeset)
			r.Get("/update-log", s.handleUpdateLog)
			r.Get("/lock", s.handleLockStatus)
			r.Post("/lock", s.handleLock)
			r.Delete("/lock", s.handleUnlock)
		})
		r.Get("/api/search", s.handleSearch)
	})

	return r
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)))
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the bearer token into identities. Without an
// authenticator configured every caller is anonymous and only open
// ACLs admit them.
func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identities := []string{"anonymous"}
		if s.service.auth != nil {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
				return
			}
			verified, _, err := s.service.auth.Verify(token)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			identities = verified
		}
		ctx := withIdentities(r.Context(), identities)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"checks": map[string]any{"database": err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string `json:"name"`
		Secret string `json:"secret"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	authn, ok := s.service.auth.(LoginAuthenticator)
	if !ok {
		writeError(w, http.StatusNotImplemented, "NO_AUTH", "authentication is not configured", nil)
		return
	}
	token, err := authn.Login(r.Context(), body.Name, body.Secret)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *HTTPServer) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListBookmarks(r.Context(), chi.URLParam(r, "repo"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	type item struct {
		Name   string `json:"name"`
		Target string `json:"target"`
		Kind   string `json:"kind"`
	}
	items := make([]item, 0, len(entries))
	for _, entry := range entries {
		items = append(items, item{
			Name:   string(entry.Key),
			Target: entry.Target.String(),
			Kind:   entry.Kind.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookmarks": items})
}

func (s *HTTPServer) handleMoveBookmark(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.MoveBookmark(r.Context(), identities(r), chi.URLParam(r, "repo"), bookmarkName(r), req)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason   string            `json:"reason,omitempty"`
		Pushvars map[string]string `json:"pushvars,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	err := s.service.DeleteBookmark(r.Context(), identities(r), chi.URLParam(r, "repo"), bookmarkName(r), req.Reason, req.Pushvars)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePutChangeset(w http.ResponseWriter, r *http.Request) {
	var payload ChangesetPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload.ID = chi.URLParam(r, "id")
	if err := s.service.PutChangeset(r.Context(), chi.URLParam(r, "repo"), payload); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": payload.ID})
}

func (s *HTTPServer) handleUpdateLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.service.UpdateLog(r.Context(), chi.URLParam(r, "repo"), limit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	resp := s.service.SearchMovements(search.Query{
		Text:       q.Get("q"),
		FilterRepo: q.Get("repo"),
		Limit:      limit,
		Offset:     offset,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.LockStatus(r.Context(), chi.URLParam(r, "repo"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ids := identities(r)
	lockedBy := ""
	if len(ids) > 0 {
		lockedBy = ids[0]
	}
	if err := s.service.LockRepo(r.Context(), ids, chi.URLParam(r, "repo"), body.Reason, lockedBy); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if err := s.service.UnlockRepo(r.Context(), identities(r), chi.URLParam(r, "repo")); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func bookmarkName(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
