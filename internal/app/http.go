package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"storymapper/api/internal/auth"
	"storymapper/api/internal/progress"
	"storymapper/api/internal/search"
	"storymapper/api/internal/session"
)

const (
	ingestTokenHeader = "X-Storymapper-Ingest-Token"
	maxBodyBytes      = 1 << 20
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Get("/api/session", s.handleSessionInfo)
	r.Post("/api/session/login", s.handleLogin)

	r.Post("/api/sessions", s.handleStartSession)
	r.Route("/api/sessions/{token}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleEndSession)
		r.Post("/messages", s.handleSendMessage)
		r.Put("/content", s.handleEditContent)
		r.Post("/focus", s.handleFocus)
		r.Post("/identity", s.handleClaimSession)
		r.Post("/topics/{topic}/{event}", s.handleIngest)
	})

	r.Get("/api/revisions", s.handleListRevisions)
	r.Get("/api/revisions/latest", s.handleLatestRevision)
	r.Get("/api/revisions/search", s.handleSearchRevisions)
	r.Get("/api/history/sessions", s.handleHistorySessions)
	r.Get("/api/history/sessions/{sessionId}", s.handleSessionHistory)
	r.Get("/api/history/commits/{hash}", s.handleCommitContent)

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if err := s.service.PingRedis(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	caller, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": caller.UserName, "userId": caller.UserID})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	caller, err := s.service.Login(r.Context(), body.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     caller.Token,
		"userId":    caller.UserID,
		"userName":  caller.UserName,
		"expiresAt": caller.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var caller *Session
	if bearerToken(r) != "" {
		authenticated, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		caller = &authenticated
	}
	coordinator, err := s.service.StartSession(r.Context(), caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, coordinator.View())
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, coordinator.View())
}

func (s *HTTPServer) handleEndSession(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	if err := s.service.EndSession(r.Context(), coordinator.Token()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	if err := coordinator.SendMessage(r.Context(), body.Message); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, coordinator.View())
}

func (s *HTTPServer) handleEditContent(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	coordinator.EditContent(body.Content)
	writeJSON(w, http.StatusOK, coordinator.View())
}

func (s *HTTPServer) handleFocus(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := s.liveSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Panel string `json:"panel"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	panel, valid := progress.ParsePanel(body.Panel)
	if !valid {
		writeError(w, http.StatusBadRequest, CodeValidation, "panel must be chat, document or quality", nil)
		return
	}
	coordinator.Focus(panel)
	writeJSON(w, http.StatusOK, coordinator.View())
}

func (s *HTTPServer) handleClaimSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	coordinator, err := s.service.ClaimSession(r.Context(), chi.URLParam(r, "token"), caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coordinator.View())
}

func (s *HTTPServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !auth.SharedTokenMatches(s.service.IngestToken(), r.Header.Get(ingestTokenHeader)) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return
	}
	payload, err := readRawBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	token := chi.URLParam(r, "token")
	topic := chi.URLParam(r, "topic")
	event, err := s.service.Ingest(r.Context(), token, topic, chi.URLParam(r, "event"), payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":    event.ID,
		"event": event.Name,
		"topic": topic,
	})
}

func (s *HTTPServer) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	items, err := s.service.Revisions(r.Context(), caller, parseLimit(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": items})
}

func (s *HTTPServer) handleLatestRevision(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	latest, err := s.service.LatestRevision(r.Context(), caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *HTTPServer) handleSearchRevisions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "q is required", nil)
		return
	}
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.SearchRevisions(r.Context(), caller, search.Query{
		Text:      text,
		SessionID: query.Get("sessionId"),
		Limit:     parseLimit(query.Get("limit"), 20),
		Offset:    offset,
	}))
}

func (s *HTTPServer) handleHistorySessions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	sessions, err := s.service.MirroredSessions(caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *HTTPServer) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	commits, err := s.service.MirrorHistory(caller, chi.URLParam(r, "sessionId"), parseLimit(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleCommitContent(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	hash := chi.URLParam(r, "hash")
	content, err := s.service.MirrorContentAt(caller, hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": hash, "content": content})
}

// liveSession resolves the session in the path. Sessions with an identity
// are only reachable by that user.
func (s *HTTPServer) liveSession(w http.ResponseWriter, r *http.Request) (*Coordinator, bool) {
	coordinator, err := s.service.Coordinator(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	owner, owned := coordinator.Identity()
	if !owned {
		return coordinator, true
	}
	caller, ok := s.requireSession(w, r)
	if !ok {
		return nil, false
	}
	if caller.UserID != owner.UserID {
		writeError(w, http.StatusForbidden, CodeForbidden, "Forbidden", nil)
		return nil, false
	}
	return coordinator, true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return Session{}, false
	}
	caller, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, CodeServer, "Session lookup failed", nil)
		return Session{}, false
	}
	return caller, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("http: %s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

type accessLog struct {
	RequestID  string `json:"request_id"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

func accessLogLine(entry accessLog) string {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf("http: access log: %v", err)
	}
	return string(line)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		log.Print(accessLogLine(accessLog{
			RequestID:  requestID,
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     writer.status,
			DurationMS: time.Since(started).Milliseconds(),
		}))
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+ingestTokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// readRawBody returns the request body as raw JSON. An empty body yields nil.
func readRawBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	return json.RawMessage(data), nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, session.ErrNotFound) {
		return http.StatusNotFound, CodeSessionNotFound, "Session not found or expired", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeServer, "Server error", nil
}
