package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleEvents streams orchestrator events as server-sent events until
// the client disconnects. Slow clients drop events rather than slowing
// the orchestrator; the bus buffers per subscriber.
func (s *Server) handleEvents(c echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event streaming is not enabled")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("failed to marshal event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
