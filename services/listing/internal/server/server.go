package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"autosouq/internal/util"
	"autosouq/pkg/domain"
	"autosouq/services/listing/internal/app"
	"autosouq/services/listing/internal/editor"
)

// TokenVerifier resolves a bearer token to the calling user.
type TokenVerifier interface {
	Verify(token string) (domain.User, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the listing service.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("listing", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/listings/", s.handleListing)
	s.mux.Handle("/edit-sessions/", s.withUser(s.handleSession))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authenticate(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	user, err := s.tokenVerifier.Verify(token)
	if err != nil {
		util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
		return domain.User{}, false
	}
	return user, true
}

// /listings/{id}, /listings/{id}/revisions or /listings/{id}/edit-sessions
func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/listings/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		listing, err := s.app.GetListing(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listing)
		return
	}

	user, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch parts[1] {
	case "revisions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		revs, err := s.app.ListRevisions(r.Context(), user, id, limit)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": revs,
			"count": len(revs),
		})
	case "edit-sessions":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleOpenSession(w, r, user, id)
	default:
		notFound(w, "not found")
	}
}

type openSessionRequest struct {
	CurrentCountryID string `json:"currentCountryId"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request, user domain.User, listingID string) {
	var req openSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	country := strings.TrimSpace(req.CurrentCountryID)
	if country == "" {
		country = strings.TrimSpace(r.Header.Get("X-Country-Id"))
	}
	snap, err := s.app.OpenSession(r.Context(), user, listingID, country)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// /edit-sessions/{sid}[/fields|/images|/images/primary|/previews/{key}|/submit]
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/edit-sessions/")
	parts := strings.SplitN(path, "/", 2)
	sid := parts[0]
	if sid == "" {
		notFound(w, "not found")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "":
		switch r.Method {
		case http.MethodGet:
			snap, err := s.app.Snapshot(user, sid)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		case http.MethodDelete:
			if err := s.app.CloseSession(user, sid); err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
		default:
			methodNotAllowed(w)
		}
	case action == "fields":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		s.handlePatchFields(w, r, user, sid)
	case action == "images":
		switch r.Method {
		case http.MethodPost:
			s.handleAddImages(w, r, user, sid)
		case http.MethodDelete:
			ref := strings.TrimSpace(r.URL.Query().Get("ref"))
			if ref == "" {
				writeError(w, http.StatusBadRequest, "ref is required")
				return
			}
			snap, err := s.app.RemoveImage(user, sid, ref)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		default:
			methodNotAllowed(w)
		}
	case action == "images/primary":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSetPrimary(w, r, user, sid)
	case strings.HasPrefix(action, "previews/"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handlePreview(w, r, user, sid, strings.TrimPrefix(action, "previews/"))
	case action == "submit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		listing, err := s.app.Submit(r.Context(), user, sid)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listing)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handlePatchFields(w http.ResponseWriter, r *http.Request, user domain.User, sid string) {
	var patch editor.Patch
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	snap, err := s.app.ApplyPatch(r.Context(), user, sid, patch)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAddImages(w http.ResponseWriter, r *http.Request, user domain.User, sid string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "files are required (field: files)")
		return
	}
	uploads := make([]editor.Upload, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		uploads = append(uploads, editor.Upload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	snap, err := s.app.AddImages(user, sid, uploads)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type setPrimaryRequest struct {
	Index *int `json:"index"`
}

func (s *Server) handleSetPrimary(w http.ResponseWriter, r *http.Request, user domain.User, sid string) {
	var req setPrimaryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.Index == nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	snap, err := s.app.SetPrimary(r.Context(), user, sid, *req.Index)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, user domain.User, sid, key string) {
	upload, err := s.app.Preview(user, sid, key)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(upload.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(upload.Data)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, msg, errorCodeForListing(status, msg))
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps application and editor errors to a status and code.
// Submit failures expose only a generic message; the failing step is logged.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var submitErr *editor.SubmitError
	switch {
	case errors.As(err, &submitErr):
		util.LoggerFromContext(r.Context()).Error("listing submit failed", "step", submitErr.Step, "err", submitErr.Err)
		writeErrorCode(w, http.StatusBadGateway, editor.SubmitFailedMessage, "LISTING_SUBMIT_FAILED")
	case errors.Is(err, editor.ErrListingNotFound):
		writeErrorCode(w, http.StatusNotFound, "listing not found", "LISTING_NOT_FOUND")
	case errors.Is(err, app.ErrSessionNotFound):
		writeErrorCode(w, http.StatusNotFound, "session not found", "SESSION_NOT_FOUND")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrRateLimited):
		writeErrorCode(w, http.StatusTooManyRequests, "too many submissions, try again later", "RATE_LIMITED")
	case errors.Is(err, editor.ErrSessionBusy):
		writeErrorCode(w, http.StatusConflict, "session is busy", "SESSION_BUSY")
	case errors.Is(err, editor.ErrSessionClosed):
		writeErrorCode(w, http.StatusConflict, "session is closed", "SESSION_CLOSED")
	case errors.Is(err, editor.ErrInvalidSelection):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "LISTING_INVALID_SELECTION")
	case errors.Is(err, editor.ErrInvalidField):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "LISTING_INVALID_FIELD")
	case errors.Is(err, editor.ErrImageNotFound):
		writeErrorCode(w, http.StatusNotFound, "image not found", "IMAGE_NOT_FOUND")
	case errors.Is(err, editor.ErrImageLimit):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "IMAGE_LIMIT_EXCEEDED")
	case errors.Is(err, editor.ErrUnsupportedImage):
		writeErrorCode(w, http.StatusUnsupportedMediaType, err.Error(), "IMAGE_UNSUPPORTED_TYPE")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func errorCodeForListing(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "LISTING_FORBIDDEN"
	case message == "file too large":
		return "IMAGE_FILE_TOO_LARGE"
	case strings.Contains(message, "files are required"):
		return "IMAGE_FILE_REQUIRED"
	case message == "invalid form data":
		return "IMAGE_INVALID_UPLOAD_FORM"
	case message == "invalid json body", message == "ref is required":
		return "LISTING_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "LISTING_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "LISTING_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
