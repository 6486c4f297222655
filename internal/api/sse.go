package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const ssePing = 15 * time.Second

// streamEvents relays bus events as server-sent events. ?types= narrows the
// stream to a comma-separated list of event types.
func (s *Server) streamEvents(c echo.Context) error {
	if s.deps.Bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream unavailable")
	}
	var types []string
	for _, t := range strings.Split(c.QueryParam("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	ch, unsub := s.deps.Bus.Subscribe(64, types...)
	defer unsub()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ping := time.NewTicker(ssePing)
	defer ping.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
				return nil
			}
			w.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
