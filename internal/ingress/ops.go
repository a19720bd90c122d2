package ingress

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/middleware"
	"github.com/lalith-99/botgate/internal/models"
)

// The operator surface: list active mitigations, reverse one manually,
// and tail the audit stream live. Everything is scoped to the tenant
// in the operator's token.

func (s *Server) handleListMitigations(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)

	records, err := s.mitigations.ListActive(c.Request.Context(), tenantID, time.Now())
	if err != nil {
		s.logger.Error("list mitigations failed", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list mitigations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mitigations": records})
}

type reverseMitigationRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
	ActorID   string `json:"actor_id"`
	Action    string `json:"action" binding:"required"`
}

// handleReverseMitigation is the manual Any-state → Normal transition.
// Reversing cancels the pending auto-expiry timer; reversing something
// that already expired (or was already reversed) succeeds as a no-op.
func (s *Server) handleReverseMitigation(c *gin.Context) {
	var req reverseMitigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tenantID := middleware.GetTenantID(c)

	err := s.engine.Reverse(c.Request.Context(), tenantID, req.SubjectID, req.ActorID, models.MitigationAction(req.Action))
	if err != nil {
		s.logger.Error("manual reversal failed",
			zap.String("tenant_id", tenantID),
			zap.String("subject_id", req.SubjectID),
			zap.String("operator_id", middleware.GetOperatorID(c)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reverse mitigation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops API authenticates by bearer token, not by origin; the
	// tail is read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleAuditTail streams audit events for the operator's tenant over
// a websocket. Delivery is best-effort: the sink never blocks on a
// slow reader, so a stalled client misses events rather than backing
// up the gateway.
func (s *Server) handleAuditTail(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Warn("audit tail upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.audit.Subscribe()
	defer cancel()

	// Reader goroutine: the client never sends data, but reading is
	// how websocket close frames surface.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			// Operators see their tenant's events plus gateway-wide
			// ones (degraded backends carry no tenant id).
			if ev.TenantID != "" && ev.TenantID != tenantID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
