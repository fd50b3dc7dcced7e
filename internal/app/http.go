package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/query" {
		s.handleQuery(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/users/sync" {
		s.handleUserSync(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/users/upgrade-to-creator" {
		s.handleUpgradeToCreator(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/users/me" {
		s.handleCurrentUser(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/media/upload-url" {
		s.handleUploadURL(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

// ── Query/mutation endpoint ──

type queryRequest struct {
	Operation string          `json:"operation"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeQueryError(w, errBadInput(err.Error(), nil))
		return
	}
	if req.Operation == "" {
		writeQueryError(w, errBadInput("Operation is required", nil))
		return
	}

	// Invalid tokens degrade to anonymous here; operations that need auth
	// fail with UNAUTHENTICATED themselves.
	viewer, err := s.service.ViewerFromToken(r.Context(), bearerToken(r))
	if err != nil {
		viewer = nil
	}

	data, err := s.dispatch(r.Context(), viewer, req.Operation, req.Arguments)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *HTTPServer) dispatch(ctx context.Context, viewer *Viewer, operation string, raw json.RawMessage) (any, error) {
	switch operation {
	case "me":
		return s.service.Me(ctx, viewer)

	case "user":
		var args struct {
			Username string `json:"username"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.GetUserByUsername(ctx, args.Username)

	case "users":
		var args struct {
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.ListUsers(ctx, args.Limit, args.Offset)

	case "comic":
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.GetComic(ctx, viewer, args.ID)

	case "comics":
		var args ComicsFilterInput
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.ListComics(ctx, args)

	case "myComics":
		var args struct {
			Status string `json:"status"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.MyComics(ctx, viewer, args.Status)

	case "trendingComics":
		var args struct {
			Limit int `json:"limit"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.TrendingComics(ctx, args.Limit)

	case "comments":
		var args struct {
			ComicID string `json:"comicId"`
			Limit   int    `json:"limit"`
			Offset  int    `json:"offset"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.ListComments(ctx, args.ComicID, args.Limit, args.Offset)

	case "myLikedComics":
		var args struct {
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.MyLikedComics(ctx, viewer, args.Limit, args.Offset)

	case "register":
		var args struct {
			Input RegisterInput `json:"input"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		session, err := s.service.Register(ctx, args.Input)
		if err != nil {
			return nil, err
		}
		return sessionView(session), nil

	case "login":
		var args struct {
			Input LoginInput `json:"input"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		session, err := s.service.Login(ctx, args.Input)
		if err != nil {
			return nil, err
		}
		return sessionView(session), nil

	case "refreshSession":
		var args struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		session, err := s.service.RefreshSession(ctx, args.RefreshToken)
		if err != nil {
			return nil, err
		}
		return sessionView(session), nil

	case "updateProfile":
		var args struct {
			Input UpdateProfileInput `json:"input"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.UpdateProfile(ctx, viewer, args.Input)

	case "uploadAvatar":
		var args struct {
			URL string `json:"url"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.UploadAvatar(ctx, viewer, args.URL)

	case "createComic":
		var args struct {
			Input CreateComicInput `json:"input"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.CreateComic(ctx, viewer, args.Input)

	case "updateComic":
		var args struct {
			ID    string           `json:"id"`
			Input UpdateComicInput `json:"input"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.UpdateComic(ctx, viewer, args.ID, args.Input)

	case "deleteComic":
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if err := s.service.DeleteComic(ctx, viewer, args.ID); err != nil {
			return nil, err
		}
		return true, nil

	case "createChapter":
		var args struct {
			Input CreateChapterInput `json:"input"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.CreateChapter(ctx, viewer, args.Input)

	case "deleteChapter":
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if err := s.service.DeleteChapter(ctx, viewer, args.ID); err != nil {
			return nil, err
		}
		return true, nil

	case "likeComic":
		var args struct {
			ComicID string `json:"comicId"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.LikeComic(ctx, viewer, args.ComicID)

	case "unlikeComic":
		var args struct {
			ComicID string `json:"comicId"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.UnlikeComic(ctx, viewer, args.ComicID)

	case "createComment":
		var args struct {
			Input CreateCommentInput `json:"input"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.service.CreateComment(ctx, viewer, args.Input)

	case "deleteComment":
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if err := s.service.DeleteComment(ctx, viewer, args.ID); err != nil {
			return nil, err
		}
		return true, nil
	}

	return nil, errBadInput(fmt.Sprintf("Unknown operation %q", operation), nil)
}

func sessionView(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"user":         accountView(session.Account),
	}
}

// ── Identity bootstrap routes (external assertions only) ──

func (s *HTTPServer) externalAssertion(r *http.Request) (identity.Assertion, error) {
	token := bearerToken(r)
	if token == "" {
		return identity.Assertion{}, errUnauthenticated("Missing bearer token")
	}
	assertion, err := s.service.verifier.Verify(token)
	if err != nil {
		return identity.Assertion{}, errUnauthenticated("Invalid identity token")
	}
	return assertion, nil
}

func (s *HTTPServer) handleUserSync(w http.ResponseWriter, r *http.Request) {
	assertion, err := s.externalAssertion(r)
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message)
		return
	}

	var body struct {
		Username string `json:"username"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	user, created, err := s.service.SyncIdentity(r.Context(), assertion, body.Username)
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"success": true, "created": created, "user": user})
}

func (s *HTTPServer) handleUpgradeToCreator(w http.ResponseWriter, r *http.Request) {
	assertion, err := s.externalAssertion(r)
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message)
		return
	}

	user, err := s.service.UpgradeToCreator(r.Context(), assertion)
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

func (s *HTTPServer) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	assertion, err := s.externalAssertion(r)
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message)
		return
	}

	user, err := s.service.AccountForAssertion(r.Context(), assertion)
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

func (s *HTTPServer) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.service.ViewerFromToken(r.Context(), bearerToken(r))
	if err != nil || viewer == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "You must be logged in")
		return
	}

	var body struct {
		Kind     string `json:"kind"`
		Filename string `json:"filename"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	ticket, err := s.service.PresignUpload(r.Context(), viewer, body.Kind, body.Filename)
	if err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "upload": ticket})
}

// ── Middleware and helpers ──

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

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
	})
}

func writeQueryError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	entry := map[string]any{
		"message":    message,
		"extensions": map[string]any{"code": code},
	}
	if details != nil {
		entry["extensions"].(map[string]any)["details"] = details
	}
	writeJSON(w, status, map[string]any{"errors": []any{entry}})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeArgs(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errBadInput("Invalid arguments", nil)
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if store.IsDuplicate(err) {
		return http.StatusConflict, "CONFLICT", "Duplicate value", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
