package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/internal/streams"
	"github.com/haasonsaas/threadgate/pkg/models"
)

const (
	maxStreamWait = 30 * time.Second
	wsPongWait    = 45 * time.Second
	wsPingPeriod  = 15 * time.Second
	wsWriteWait   = 10 * time.Second
)

// authorizeStream reads the stream at offset and checks the caller may see
// its thread. Streams outside the caller's tenants look missing.
func (s *Server) authorizeStream(r *http.Request, handle string, offset int64) (*streams.Snapshot, error) {
	caller, err := callerFrom(r)
	if err != nil {
		return nil, err
	}
	snap, err := s.config.Streams.Read(r.Context(), handle, offset)
	if err != nil {
		return nil, err
	}
	stream := snap.Stream
	if _, err := s.config.Chats.AuthorizeThread(r.Context(), caller, stream.TenantID, stream.ThreadID); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil, errdefs.NotFoundf("stream %s", handle)
		}
		return nil, err
	}
	return snap, nil
}

func (s *Server) handleStreamRead(w http.ResponseWriter, r *http.Request) {
	handle, err := requirePath(r, "handle")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := int64Param(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wait, err := waitParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := s.authorizeStream(r, handle, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wait > 0 && len(snap.Chunks) == 0 && !snap.Stream.Status.Terminal() {
		snap, err = s.config.Streams.Wait(r.Context(), handle, offset, wait)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if snap.Chunks == nil {
		snap.Chunks = []models.StreamChunk{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// waitParam accepts a Go duration ("2s") or whole seconds ("2").
func waitParam(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("wait"))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, errdefs.Validationf("wait must be a duration or a number of seconds")
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, errdefs.Validationf("wait must not be negative")
	}
	if d > maxStreamWait {
		d = maxStreamWait
	}
	return d, nil
}

// handleStreamSocket pushes stream events as JSON text frames until the
// final state has been sent, then closes normally.
func (s *Server) handleStreamSocket(w http.ResponseWriter, r *http.Request) {
	handle, err := requirePath(r, "handle")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := int64Param(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.authorizeStream(r, handle, offset); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "handle", handle, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	events, err := s.config.Streams.Subscribe(ctx, handle, offset)
	if err != nil {
		writeClose(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				writeClose(conn, websocket.CloseNormalClosure, "")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Final != nil {
				writeClose(conn, websocket.CloseNormalClosure, "stream finished")
				return
			}
		}
	}
}

// readUntilClosed services pongs and close frames; the stream is one-way.
func readUntilClosed(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
