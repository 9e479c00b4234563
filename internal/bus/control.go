// Package bus subscribes the server to the fleet control subjects. The bus
// is optional: without a NATS URL the server runs standalone.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/logging"
	"github.com/statecast/statecast/internal/metrics"
)

// subjectPrefix scopes every control subject; the command is the last
// subject token.
const subjectPrefix = "statecast.control"

// Controller is the slice of the server the control bus drives.
type Controller interface {
	ReloadAll(reason string)
	TerminateAll(reason string)
}

// Control listens for fleet-wide commands: "reload" asks every client to
// reload itself, "terminate" drops every session and shuts the process
// down.
type Control struct {
	conn     *nats.Conn
	sub      *nats.Subscription
	ctrl     Controller
	shutdown func(reason string)
	logger   zerolog.Logger
}

type command struct {
	Reason string `json:"reason"`
}

// Connect dials NATS and subscribes to the control subjects. shutdown is
// invoked after a terminate command has been fanned out; nil disables it.
func Connect(url string, ctrl Controller, shutdown func(reason string), logger zerolog.Logger) (*Control, error) {
	c := &Control{ctrl: ctrl, shutdown: shutdown, logger: logging.Component(logger, "bus")}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.BusConnected.Set(0)
			c.logger.Warn().Err(err).Msg("Control bus disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			metrics.BusConnected.Set(1)
			c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Control bus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error().Err(err).Msg("Control bus error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", url, err)
	}
	c.conn = conn
	metrics.BusConnected.Set(1)

	sub, err := conn.Subscribe(subjectPrefix+".>", c.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}
	c.sub = sub
	c.logger.Info().Str("url", url).Msg("Control bus connected")
	return c, nil
}

// handle runs on the NATS delivery goroutine, one message at a time.
func (c *Control) handle(msg *nats.Msg) {
	cmd := strings.TrimPrefix(msg.Subject, subjectPrefix+".")
	var payload command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Malformed control payload")
			return
		}
	}
	metrics.BusCommands.WithLabelValues(cmd).Inc()

	switch cmd {
	case "reload":
		c.logger.Info().Str("reason", payload.Reason).Msg("Reload command")
		c.ctrl.ReloadAll(payload.Reason)
	case "terminate":
		c.logger.Info().Str("reason", payload.Reason).Msg("Terminate command")
		c.ctrl.TerminateAll(payload.Reason)
		if c.shutdown != nil {
			c.shutdown(payload.Reason)
		}
	default:
		c.logger.Warn().Str("subject", msg.Subject).Msg("Unknown control command")
	}
}

// Close drops the subscription and the connection.
func (c *Control) Close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	metrics.BusConnected.Set(0)
}
