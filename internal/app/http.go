package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskhub/api/internal/auth"
	"taskhub/api/internal/store"
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

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"email":         session.Email,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name, body.Email)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		s.handleEvents(w, r)
		return
	}

	// Everything below requires a valid bearer credential.
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch segments[1] {
	case "users":
		if r.Method == http.MethodGet && len(segments) == 2 {
			s.handleListUsers(w, r, session)
			return
		}
	case "tasks":
		s.handleTasks(w, r, session, segments)
		return
	case "attachments":
		if len(segments) == 3 {
			switch r.Method {
			case http.MethodGet:
				s.handleDownloadAttachment(w, r, session, segments[2])
				return
			case http.MethodDelete:
				s.handleDeleteAttachment(w, r, session, segments[2])
				return
			}
		}
	case "notifications":
		s.handleNotifications(w, r, session, segments)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireSession resolves the bearer credential or writes the error response.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrMalformedToken) {
			// Log the offending shape; the response stays generic.
			log.Printf("http: malformed credential: %v", err)
			writeError(w, http.StatusUnauthorized, "MALFORMED_CREDENTIAL", "Malformed credential", nil)
			return Session{}, false
		}
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request, session Session) {
	users, err := s.service.ListUsers(r.Context(), session)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(users))
	for _, user := range users {
		payload = append(payload, map[string]any{
			"id":    user.ID,
			"name":  user.DisplayName,
			"email": user.Email,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request, session Session, segments []string) {
	switch {
	case r.Method == http.MethodPost && len(segments) == 2:
		s.handleCreateTask(w, r, session)
	case r.Method == http.MethodGet && len(segments) == 3 && segments[2] == "assigned":
		s.handleTaskList(w, r, session, s.service.ListAssignedTasks)
	case r.Method == http.MethodGet && len(segments) == 3 && segments[2] == "created":
		s.handleTaskList(w, r, session, s.service.ListCreatedTasks)
	case r.Method == http.MethodGet && len(segments) == 3 && segments[2] == "overdue":
		s.handleTaskList(w, r, session, s.service.ListOverdueTasks)
	case r.Method == http.MethodGet && len(segments) == 3 && segments[2] == "search":
		s.handleSearchTasks(w, r, session)
	case r.Method == http.MethodGet && len(segments) == 3:
		s.handleGetTask(w, r, session, segments[2])
	case r.Method == http.MethodPut && len(segments) == 3:
		s.handleUpdateTask(w, r, session, segments[2])
	case r.Method == http.MethodDelete && len(segments) == 3:
		s.handleDeleteTask(w, r, session, segments[2])
	case len(segments) == 4 && segments[3] == "attachments":
		switch r.Method {
		case http.MethodPost:
			s.handleUploadAttachment(w, r, session, segments[2])
		case http.MethodGet:
			s.handleListAttachments(w, r, session, segments[2])
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

type taskBody struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	DueAt       *time.Time      `json:"dueAt"`
	Priority    *string         `json:"priority"`
	Status      *string         `json:"status"`
	AssignedTo  json.RawMessage `json:"assignedTo"`
}

// assignedToField distinguishes an absent assignedTo from an explicit null.
// Returns (value, present, error).
func (b taskBody) assignedToField() (*string, bool, error) {
	if len(b.AssignedTo) == 0 {
		return nil, false, nil
	}
	if string(b.AssignedTo) == "null" {
		return nil, true, nil
	}
	var value string
	if err := json.Unmarshal(b.AssignedTo, &value); err != nil {
		return nil, false, fmt.Errorf("assignedTo must be a user id or null")
	}
	if strings.TrimSpace(value) == "" {
		return nil, true, nil
	}
	return &value, true, nil
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request, session Session) {
	var body taskBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	assignedTo, _, err := body.assignedToField()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	input := TaskInput{AssignedTo: assignedTo, DueAt: body.DueAt}
	if body.Title != nil {
		input.Title = *body.Title
	}
	if body.Description != nil {
		input.Description = *body.Description
	}
	if body.Priority != nil {
		input.Priority = *body.Priority
	}
	if body.Status != nil {
		input.Status = *body.Status
	}

	task, err := s.service.CreateTask(r.Context(), session, input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, taskPayload(task))
}

func (s *HTTPServer) handleTaskList(w http.ResponseWriter, r *http.Request, session Session, list func(context.Context, Session) ([]store.Task, error)) {
	tasks, err := list(r.Context(), session)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		payload = append(payload, taskPayload(task))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSearchTasks(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response := s.service.SearchTasks(session, query.Get("q"), limit, offset)
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleGetTask(w http.ResponseWriter, r *http.Request, session Session, taskID string) {
	task, err := s.service.GetTask(r.Context(), session, taskID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, taskPayload(task))
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request, session Session, taskID string) {
	var body taskBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	assignedTo, assignedToSet, err := body.assignedToField()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	update := store.TaskUpdate{
		Title:         body.Title,
		Description:   body.Description,
		DueAt:         body.DueAt,
		Priority:      body.Priority,
		Status:        body.Status,
		AssignedTo:    assignedTo,
		AssignedToSet: assignedToSet,
	}

	task, err := s.service.UpdateTask(r.Context(), session, taskID, update)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, taskPayload(task))
}

func (s *HTTPServer) handleDeleteTask(w http.ResponseWriter, r *http.Request, session Session, taskID string) {
	if err := s.service.DeleteTask(r.Context(), session, taskID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

const maxAttachmentSize = 32 << 20 // 32 MiB

func (s *HTTPServer) handleUploadAttachment(w http.ResponseWriter, r *http.Request, session Session, taskID string) {
	if err := r.ParseMultipartForm(maxAttachmentSize); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", `multipart field "file" is required`, nil)
		return
	}
	defer file.Close()

	attachment, err := s.service.AddAttachment(
		r.Context(), session, taskID,
		header.Filename, header.Header.Get("Content-Type"), header.Size, file,
	)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, attachmentPayload(attachment))
}

func (s *HTTPServer) handleListAttachments(w http.ResponseWriter, r *http.Request, session Session, taskID string) {
	attachments, err := s.service.ListTaskAttachments(r.Context(), session, taskID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(attachments))
	for _, attachment := range attachments {
		payload = append(payload, attachmentPayload(attachment))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDownloadAttachment(w http.ResponseWriter, r *http.Request, session Session, attachmentID string) {
	attachment, reader, err := s.service.OpenAttachment(r.Context(), session, attachmentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", attachment.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		log.Printf("http: stream attachment %s: %v", attachmentID, err)
	}
}

func (s *HTTPServer) handleDeleteAttachment(w http.ResponseWriter, r *http.Request, session Session, attachmentID string) {
	if err := s.service.DeleteAttachment(r.Context(), session, attachmentID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session, segments []string) {
	switch {
	case r.Method == http.MethodGet && len(segments) == 2:
		notifications, err := s.service.ListNotifications(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payload := make([]map[string]any, 0, len(notifications))
		for _, n := range notifications {
			payload = append(payload, notificationPayload(n))
		}
		writeJSON(w, http.StatusOK, payload)
	case r.Method == http.MethodPost && len(segments) == 4 && segments[3] == "read":
		if err := s.service.MarkNotificationRead(r.Context(), session, segments[2]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodDelete && len(segments) == 3:
		if err := s.service.DeleteNotification(r.Context(), session, segments[2]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// Payload helpers

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"email":        session.Email,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func taskPayload(task store.Task) map[string]any {
	payload := map[string]any{
		"id":          task.ID,
		"title":       task.Title,
		"description": task.Description,
		"priority":    task.Priority,
		"status":      task.Status,
		"createdBy": map[string]any{
			"id":    task.CreatedBy,
			"name":  task.CreatorName,
			"email": task.CreatorEmail,
		},
		"assignedTo": nil,
		"dueAt":      nil,
		"createdAt":  task.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":  task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if task.AssignedTo != nil {
		payload["assignedTo"] = map[string]any{
			"id":    *task.AssignedTo,
			"name":  task.AssigneeName,
			"email": task.AssigneeEmail,
		}
	}
	if task.DueAt != nil {
		payload["dueAt"] = task.DueAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func notificationPayload(n store.Notification) map[string]any {
	payload := map[string]any{
		"id":         n.ID,
		"taskId":     n.TaskID,
		"message":    n.Message,
		"read":       n.Read,
		"senderId":   nil,
		"senderName": n.SenderName,
		"createdAt":  n.CreatedAt.UTC().Format(time.RFC3339),
	}
	if n.SenderID != nil {
		payload["senderId"] = *n.SenderID
	}
	return payload
}

func attachmentPayload(a store.Attachment) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"taskId":      a.TaskID,
		"fileName":    a.FileName,
		"contentType": a.ContentType,
		"size":        a.Size,
		"uploadedBy":  a.UploadedBy,
		"createdAt":   a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Middleware and plumbing

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

// Hijack lets the events endpoint upgrade the connection through the
// recorder wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
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
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrMalformedToken) {
		return http.StatusUnauthorized, "MALFORMED_CREDENTIAL", "Malformed credential", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
