package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"task-sync/internal/hub"
	"task-sync/internal/middleware"
	"task-sync/internal/models"
	"task-sync/internal/repos"
	"task-sync/internal/services"
)

const correlationHeader = "X-Correlation-ID"

// maxBatchBody bounds a fallback request body. A full batch of maximal tasks
// fits with room to spare.
const maxBatchBody = 96 << 20

type SyncHandler struct {
	svc  *services.SyncService
	reg  *hub.Registry
	auth middleware.Authenticator
	log  *slog.Logger
	ws   wsSettings
}

func NewSyncHandler(svc *services.SyncService, reg *hub.Registry, auth middleware.Authenticator, log *slog.Logger, allowedOrigins []string) *SyncHandler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &SyncHandler{
		svc:  svc,
		reg:  reg,
		auth: auth,
		log:  log,
		ws:   newWSSettings(allowedOrigins),
	}
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	ID    string `json:"id,omitempty"`
}

// SyncTasks is the fallback path: reconcile the client's full local state,
// answer with the owner's full authoritative state, then fan that state out
// to the owner's live connections.
func (h *SyncHandler) SyncTasks(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	var body models.SyncBatch
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBatchBody)
	if err := c.ShouldBindJSON(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	if err := models.ValidateBatch(body); err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := h.svc.Reconcile(c.Request.Context(), ownerID, body.Tasks); err != nil {
		h.writeError(c, err)
		return
	}
	tasks, err := h.svc.List(c.Request.Context(), ownerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SyncResult{Tasks: tasks})

	h.reg.Broadcast(ownerID, models.Event{
		Event:         models.EventSynced,
		Data:          tasks,
		CorrelationID: correlationID(c),
	})
}

func (h *SyncHandler) ListTasks(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	tasks, err := h.svc.List(c.Request.Context(), ownerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SyncResult{Tasks: tasks})
}

func (h *SyncHandler) GetTask(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	task, err := h.svc.Get(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *SyncHandler) DeleteTask(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	id := strings.TrimSpace(c.Param("id"))
	deleted, err := h.svc.Delete(c.Request.Context(), ownerID, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !deleted {
		h.writeError(c, repos.ErrNotFound)
		return
	}
	c.Status(http.StatusNoContent)

	h.reg.Broadcast(ownerID, models.Event{
		Event:         models.EventDeleted,
		Data:          models.DeletedRef{ID: id},
		CorrelationID: correlationID(c),
	})
}

func (h *SyncHandler) writeError(c *gin.Context, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field, ID: verr.TaskID})
	case errors.Is(err, services.ErrNoOwner):
		c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, repos.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, repos.ErrDuplicate):
		c.JSON(http.StatusConflict, errorBody{Error: "conflict"})
	case errors.Is(err, services.ErrRetryExhausted):
		c.JSON(http.StatusInternalServerError, errorBody{Error: "temporarily unable to sync, retry later"})
	default:
		h.log.Error("request failed", "owner", middleware.OwnerIDFromContext(c), "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func correlationID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}
