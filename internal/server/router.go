// Package server exposes a running peer session over a local HTTP API.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 15 * time.Second

var (
	errMissingSession    = errors.New("session dependency required")
	errMissingDispatcher = errors.New("realtime dispatcher dependency required")
)

// Session is the part of a running peer the API drives.
type Session interface {
	Notes(ctx context.Context) ([]notes.Note, error)
	Note(ctx context.Context, noteID notes.NoteID) (notes.Note, bool, error)
	Create(ctx context.Context, title, content string) (notes.NoteID, error)
	CreateUntitled(ctx context.Context) (notes.NoteID, error)
	Update(ctx context.Context, noteID notes.NoteID, patch notes.Patch) error
	Delete(ctx context.Context, noteID notes.NoteID) error
	Share(ctx context.Context, noteID notes.NoteID, userID notes.UserID) error
	Unshare(ctx context.Context, noteID notes.NoteID, userID notes.UserID) error
	SetActive(ctx context.Context, noteID notes.NoteID) error
	JoinNote(ctx context.Context, owner notes.UserID, noteID notes.NoteID) error
	Reconnect(ctx context.Context) error
	ActiveUsers(ctx context.Context) ([]notes.ActiveUser, error)
	Status(ctx context.Context) (session.Status, error)
}

type Dependencies struct {
	Session           Session
	Dispatcher        *RealtimeDispatcher
	Metrics           http.Handler
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Session == nil {
		return nil, errMissingSession
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		session:    deps.Session,
		dispatcher: deps.Dispatcher,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", handler.handleStatus)
	router.POST("/reconnect", handler.handleReconnect)
	router.GET("/events", handler.handleEvents)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	router.GET("/notes", handler.handleListNotes)
	router.POST("/notes", handler.handleCreateNote)
	router.POST("/notes/join", handler.handleJoinNote)
	router.GET("/notes/:id", handler.handleGetNote)
	router.PATCH("/notes/:id", handler.handleUpdateNote)
	router.DELETE("/notes/:id", handler.handleDeleteNote)
	router.POST("/notes/:id/share", handler.handleShareNote)
	router.DELETE("/notes/:id/collaborators/:userId", handler.handleUnshareNote)

	router.PUT("/active", handler.handleSetActive)
	router.GET("/presence", handler.handlePresence)

	return router, nil
}

type httpHandler struct {
	session    Session
	dispatcher *RealtimeDispatcher
	heartbeat  time.Duration
	logger     *zap.Logger
}

type createNoteRequestPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type updateNoteRequestPayload struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

type shareRequestPayload struct {
	UserID string `json:"userId"`
}

type joinRequestPayload struct {
	OwnerID string `json:"ownerId"`
	NoteID  string `json:"noteId"`
}

type activeRequestPayload struct {
	NoteID string `json:"noteId"`
}

type notesResponsePayload struct {
	Notes []notes.Note `json:"notes"`
}

type presenceResponsePayload struct {
	Users []notes.ActiveUser `json:"users"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.session.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, "status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleReconnect(c *gin.Context) {
	if err := h.session.Reconnect(c.Request.Context()); err != nil {
		h.respondError(c, "reconnect", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	list, err := h.session.Notes(c.Request.Context())
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	if list == nil {
		list = []notes.Note{}
	}
	c.JSON(http.StatusOK, notesResponsePayload{Notes: list})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request createNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var (
		noteID notes.NoteID
		err    error
	)
	if strings.TrimSpace(request.Title) == "" && request.Content == "" {
		noteID, err = h.session.CreateUntitled(c.Request.Context())
	} else {
		noteID, err = h.session.Create(c.Request.Context(), request.Title, request.Content)
	}
	if err != nil {
		h.respondError(c, "create", err)
		return
	}
	note, _, err := h.session.Note(c.Request.Context(), noteID)
	if err != nil {
		h.respondError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	noteID, ok := h.noteIDParam(c)
	if !ok {
		return
	}
	note, found, err := h.session.Note(c.Request.Context(), noteID)
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	noteID, ok := h.noteIDParam(c)
	if !ok {
		return
	}
	var request updateNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	patch := notes.Patch{Title: request.Title, Content: request.Content}
	if patch.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_patch"})
		return
	}
	if _, found, err := h.session.Note(c.Request.Context(), noteID); err != nil {
		h.respondError(c, "update", err)
		return
	} else if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err := h.session.Update(c.Request.Context(), noteID, patch); err != nil {
		h.respondError(c, "update", err)
		return
	}
	note, _, err := h.session.Note(c.Request.Context(), noteID)
	if err != nil {
		h.respondError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID, ok := h.noteIDParam(c)
	if !ok {
		return
	}
	if err := h.session.Delete(c.Request.Context(), noteID); err != nil {
		h.respondError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleShareNote(c *gin.Context) {
	noteID, ok := h.noteIDParam(c)
	if !ok {
		return
	}
	var request shareRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := notes.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	if err := h.session.Share(c.Request.Context(), noteID, userID); err != nil {
		h.respondError(c, "share", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnshareNote(c *gin.Context) {
	noteID, ok := h.noteIDParam(c)
	if !ok {
		return
	}
	userID, err := notes.NewUserID(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	if err := h.session.Unshare(c.Request.Context(), noteID, userID); err != nil {
		h.respondError(c, "unshare", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleJoinNote(c *gin.Context) {
	var request joinRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	owner, err := notes.NewUserID(request.OwnerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	noteID, err := notes.NewNoteID(request.NoteID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	if err := h.session.JoinNote(c.Request.Context(), owner, noteID); err != nil {
		h.respondError(c, "join", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleSetActive(c *gin.Context) {
	var request activeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	noteID := notes.NoteID(strings.TrimSpace(request.NoteID))
	if err := h.session.SetActive(c.Request.Context(), noteID); err != nil {
		h.respondError(c, "set_active", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	users, err := h.session.ActiveUsers(c.Request.Context())
	if err != nil {
		h.respondError(c, "presence", err)
		return
	}
	if users == nil {
		users = []notes.ActiveUser{}
	}
	c.JSON(http.StatusOK, presenceResponsePayload{Users: users})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourcePeer})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message := <-stream:
			c.SSEvent(message.EventType, gin.H{
				"source":    realtimeSourcePeer,
				"timestamp": message.Timestamp.UTC().Format(time.RFC3339Nano),
			})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourcePeer})
			return true
		}
	})
}

func (h *httpHandler) noteIDParam(c *gin.Context) (notes.NoteID, bool) {
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", false
	}
	return noteID, true
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	var permission *notes.PermissionError
	switch {
	case errors.As(err, &permission):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session_unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request_cancelled"})
	default:
		h.logger.Error("session operation failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation_failed"})
	}
}
