package api

import (
	"net/http"
	"strconv"
	"time"

	"farm-ledger/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
	pingPeriod        = 30 * time.Second
	writeWait         = 10 * time.Second
)

func queryUint(c *gin.Context, name string, def uint64) (uint64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return v, true
}

// listEvents pages through the event history, from the journal when one is
// configured and from the node's log otherwise
func (h *Handler) listEvents(c *gin.Context) {
	after, ok := queryUint(c, "after", 0)
	if !ok {
		return
	}
	limit, ok := queryUint(c, "limit", defaultEventLimit)
	if !ok {
		return
	}
	if limit == 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}

	if h.journal != nil {
		entries, err := h.journal.ListEvents(c.Request.Context(), after, int(limit))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"source": "journal", "events": entries})
		return
	}

	events := h.events.EventsSince(after, int(limit))
	if events == nil {
		events = []models.LedgerEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"source": "node", "events": events})
}

// streamEvents upgrades to a websocket and writes every committed event as a
// JSON text frame. ?after=N first replays events with Sequence > N.
func (h *Handler) streamEvents(c *gin.Context) {
	after, replay := uint64(0), c.Query("after") != ""
	if replay {
		var ok bool
		if after, ok = queryUint(c, "after", 0); !ok {
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.events.Subscribe(64)
	defer sub.Unsubscribe()

	// the reader only notices the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := after
	if replay {
		for _, e := range h.events.EventsSince(after, 0) {
			if err := writeEvent(conn, e); err != nil {
				return
			}
			last = e.Sequence
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			if e.Sequence <= last {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				h.logger.Debug("Websocket write failed", zap.Error(err))
				return
			}
			last = e.Sequence
		}
	}
}

func writeEvent(conn *websocket.Conn, e models.LedgerEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}
