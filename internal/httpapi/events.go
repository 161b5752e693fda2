package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const feedWriteTimeout = 5 * time.Second

// handleQueueEvents streams the outcome of every processed registration to
// the client as one JSON message. Slow clients miss results rather than
// stalling the worker.
func (s *Server) handleQueueEvents(w http.ResponseWriter, r *http.Request) {
	feed := s.pipeline.Feed()
	if feed == nil {
		writeError(w, http.StatusNotFound, "Not found", "registration feed is disabled")
		return
	}
	opts := &websocket.AcceptOptions{}
	if s.allowsAnyOrigin() {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = originHosts(s.cfg.AllowedOrigins)
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	outcomes, cancel := feed.Subscribe(64)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("feed subscriber connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-outcomes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(writeCtx, conn, outcome)
			cancelWrite()
			if err != nil {
				s.logger.Debug("feed subscriber dropped", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			hosts = append(hosts, parsed.Host)
			continue
		}
		if origin != "" {
			hosts = append(hosts, origin)
		}
	}
	return hosts
}
