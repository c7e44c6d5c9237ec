package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medclinic/clinic/internal/platform/auth"
)

type StreamConfig struct {
	Heartbeat  time.Duration
	BufferSize int
	// Retry is sent as the SSE "retry:" hint when positive.
	Retry time.Duration
}

// StreamHandler serves GET /notifications/stream. The caller is subscribed
// under its own (user, role) for as long as the request lives.
type StreamHandler struct {
	bus    *Bus
	cfg    StreamConfig
	logger zerolog.Logger
}

func NewStreamHandler(bus *Bus, cfg StreamConfig, logger zerolog.Logger) *StreamHandler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	return &StreamHandler{
		bus:    bus,
		cfg:    cfg,
		logger: logger.With().Str("component", "sse").Logger(),
	}
}

func (h *StreamHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stream", h.Stream)
}

type connectedFrame struct {
	SubscriptionID string `json:"subscriptionId"`
	UserID         string `json:"userId"`
	Role           Role   `json:"role"`
}

func (h *StreamHandler) Stream(c echo.Context) error {
	ctx := c.Request().Context()
	key := Key{UserID: auth.UserIDFromContext(ctx), Role: Role(auth.PrimaryRole(ctx))}
	if key.UserID == "" || key.Role == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	sub, err := h.bus.Subscribe(key, SubscribeOptions{BufferSize: h.cfg.BufferSize})
	if err != nil {
		if errors.Is(err, ErrBusClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "server shutting down")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer h.bus.Unsubscribe(sub)

	log := h.logger.With().Str("subscription_id", sub.ID()).Str("user_id", key.UserID).Str("role", string(key.Role)).Logger()
	log.Debug().Msg("stream opened")
	defer log.Debug().Msg("stream closed")

	res := c.Response()
	hdr := res.Header()
	hdr.Set(echo.HeaderContentType, "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if h.cfg.Retry > 0 {
		if _, err := fmt.Fprintf(res, "retry: %d\n\n", h.cfg.Retry.Milliseconds()); err != nil {
			return nil
		}
	}
	hello, _ := json.Marshal(connectedFrame{SubscriptionID: sub.ID(), UserID: key.UserID, Role: key.Role})
	if err := writeFrame(res, "", "connected", hello); err != nil {
		return nil
	}
	res.Flush()

	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := io.WriteString(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Error().Err(err).Str("event_id", e.ID).Msg("encode event")
				continue
			}
			if err := writeFrame(res, e.ID, e.Type, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// writeFrame writes one SSE event. Multi-line payloads are split across
// several data: lines as the format requires.
func writeFrame(w io.Writer, id, event string, data []byte) error {
	var b strings.Builder
	if id != "" {
		b.WriteString("id: ")
		b.WriteString(oneLine(id))
		b.WriteByte('\n')
	}
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(oneLine(event))
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
