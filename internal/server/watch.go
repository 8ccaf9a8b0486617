package server

import (
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"syncbridge/internal/sync/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// How often the status feed polls the operation store.
	watchPollInterval = time.Second
)

// Send pings to peer with this period. Must be less than pongWait.
var pingPeriod = (pongWait * 9) / 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     safeCheckOrigin,
}

// safeCheckOrigin allows empty origins (non-browser clients), the exact
// request host, and same-host connections across ports for development.
func safeCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}

	originHost := strings.Split(u.Host, ":")[0]
	requestHost := strings.Split(r.Host, ":")[0]
	return strings.EqualFold(originHost, requestHost)
}

// statsFrame is one message on the status feed.
type statsFrame struct {
	Type       string                   `json:"type"`
	Operations map[types.OpStatus]int64 `json:"operations"`
	Timestamp  time.Time                `json:"timestamp"`
}

// handleWatch streams queue status counts over a websocket. A frame is sent
// on connect and whenever the counts change.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1024)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Read pump: discard inbound messages, notice disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	var last map[types.OpStatus]int64
	send := func() bool {
		stats, err := h.engine.QueueStats(r.Context())
		if err != nil {
			h.logger.Warn("status feed poll failed", "error", err)
			return true
		}
		if reflect.DeepEqual(stats, last) {
			return true
		}
		last = stats
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return false
		}
		return conn.WriteJSON(statsFrame{Type: "stats", Operations: stats, Timestamp: time.Now()}) == nil
	}

	if !send() {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		case <-pinger.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
