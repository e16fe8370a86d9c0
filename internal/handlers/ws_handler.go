package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"task-sync/internal/hub"
	"task-sync/internal/middleware"
	"task-sync/internal/models"
)

const commandTimeout = 30 * time.Second

type wsSettings struct {
	upgrader websocket.Upgrader
}

func newWSSettings(allowedOrigins []string) wsSettings {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}
	return wsSettings{upgrader: websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{"bearer"},
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
			return ok
		},
	}}
}

// Connect upgrades to a persistent connection. Authentication happens before
// the upgrade; a rejected handshake never reaches the registry.
func (h *SyncHandler) Connect(c *gin.Context) {
	ownerID, err := h.auth.Authenticate(c.Request.Context(), middleware.UpgradeCredential(c.Request))
	if err != nil || ownerID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ws, err := h.ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "owner", ownerID, "error", err)
		return
	}

	conn := hub.NewWSConn(ws, ownerID, h.log)
	h.reg.Register(ownerID, conn)
	conn.Serve(
		func(msg []byte) { h.handleCommand(conn, msg) },
		func() { h.reg.Unregister(ownerID, conn) },
	)
}

func (h *SyncHandler) handleCommand(conn *hub.WSConn, msg []byte) {
	ownerID := conn.OwnerID()
	var cmd models.Command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		h.replyError(conn, "", &models.ValidationError{Field: "message", Reason: "malformed json"})
		return
	}
	if err := models.ValidateCommand(cmd); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			h.log.Warn("rejected invalid command",
				"owner", ownerID, "type", cmd.Type, "task_id", verr.TaskID, "field", verr.Field, "reason", verr.Reason)
		}
		h.replyError(conn, cmd.CorrelationID, err)
		return
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Type {
	case models.CommandCreate, models.CommandUpdate:
		task, ok, err := h.svc.Apply(ctx, ownerID, cmd.Payload)
		if err != nil {
			h.log.Error("apply command", "owner", ownerID, "type", cmd.Type, "task_id", cmd.Payload.ID, "error", err)
			h.replyError(conn, cmd.CorrelationID, err)
			return
		}
		if !ok {
			return
		}
		event := models.EventUpdated
		if cmd.Type == models.CommandCreate {
			event = models.EventCreated
		}
		h.reg.Broadcast(ownerID, models.Event{Event: event, Data: task, CorrelationID: cmd.CorrelationID})

	case models.CommandDelete:
		id := strings.TrimSpace(cmd.Payload.ID)
		if _, err := h.svc.Delete(ctx, ownerID, id); err != nil {
			h.log.Error("delete command", "owner", ownerID, "task_id", id, "error", err)
			h.replyError(conn, cmd.CorrelationID, err)
			return
		}
		// Broadcast even if the row was already gone so every device drops it.
		h.reg.Broadcast(ownerID, models.Event{
			Event:         models.EventDeleted,
			Data:          models.DeletedRef{ID: id},
			CorrelationID: cmd.CorrelationID,
		})
	}
}

func (h *SyncHandler) replyError(conn *hub.WSConn, correlationID string, err error) {
	body := models.ErrorBody{Message: "internal error"}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		body = models.ErrorBody{Message: verr.Error(), Field: verr.Field}
	}
	msg, merr := json.Marshal(models.Event{Event: models.EventError, Data: body, CorrelationID: correlationID})
	if merr != nil {
		return
	}
	if serr := conn.Send(msg); serr != nil {
		h.log.Debug("error reply not delivered", "owner", conn.OwnerID(), "conn", conn.ID(), "error", serr)
	}
}
