package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/warp/coinshop/auth"
	"github.com/warp/coinshop/events"
	"github.com/warp/coinshop/syncagent"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// Frames sent to the client.
const (
	frameEvent    = "event"
	frameSnapshot = "balance.snapshot"
)

// Frames accepted from the client.
const (
	// visibility carries Visible: the tab was hidden or shown.
	clientVisibility = "visibility"
	// storage is relayed by a tab that saw another tab write the shared
	// balance key; it forces a re-read.
	clientStorage = "storage"
	// refresh is answered with a snapshot even when the balance is unchanged.
	clientRefresh = "refresh"
)

type serverFrame struct {
	Type     string              `json:"type"`
	Event    *events.Event       `json:"event,omitempty"`
	Snapshot *syncagent.Snapshot `json:"snapshot,omitempty"`
}

type clientFrame struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
}

// Events streams the session user's order and balance events, plus balance
// snapshots from a per-connection sync agent.
// GET /api/events/ws?token=...
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())
	log := h.logger.With("user_id", session.UserID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sub := h.bus.Subscribe(events.ForUser(session.UserID), events.DefaultBuffer)
	defer sub.Close()

	snapshots := make(chan syncagent.Snapshot, 4)
	agent := syncagent.New(h.Wallet, h.bus, session.UserID, h.SyncInterval, h.logger)
	agent.OnChange(func(s syncagent.Snapshot) {
		select {
		case snapshots <- s:
		default:
			// The next change carries the newer balance anyway.
		}
	})
	go agent.Run(ctx)
	go h.readFrames(ctx, cancel, conn, agent, snapshots)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	log.Debug("websocket connected")
	for {
		var frame serverFrame
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			log.Debug("websocket closed")
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			frame = serverFrame{Type: frameEvent, Event: &e}
		case s := <-snapshots:
			frame = serverFrame{Type: frameSnapshot, Snapshot: &s}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			log.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// readFrames handles client frames until the connection drops.
func (h *Handler) readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, agent *syncagent.Agent, snapshots chan<- syncagent.Snapshot) {
	defer cancel()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for ctx.Err() == nil {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		switch f.Type {
		case clientVisibility:
			if f.Visible {
				agent.Resume()
			} else {
				agent.Pause()
			}
		case clientStorage:
			agent.Signal()
		case clientRefresh:
			snap, err := agent.Refresh(ctx)
			if err != nil {
				h.logger.Warn("balance refresh failed", "error", err)
				continue
			}
			select {
			case snapshots <- snap:
			case <-ctx.Done():
			}
		}
	}
}

// checkOrigin accepts same-origin requests and the configured CORS origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
