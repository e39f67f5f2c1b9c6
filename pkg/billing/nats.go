package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS event source.
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Subject       string        `mapstructure:"subject" yaml:"subject"`
	Queue         string        `mapstructure:"queue" yaml:"queue"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PingInterval  time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	// HandleTimeout bounds the processing of one message.
	HandleTimeout time.Duration `mapstructure:"handle_timeout" yaml:"handle_timeout"`
}

// Enabled reports whether a NATS URL is configured.
func (c NATSConfig) Enabled() bool { return c.URL != "" }

func (c *NATSConfig) applyDefaults() {
	if c.Subject == "" {
		c.Subject = "billing.events"
	}
	if c.Queue == "" {
		c.Queue = "botfleet"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.HandleTimeout == 0 {
		c.HandleTimeout = 60 * time.Second
	}
}

// NATSSource feeds billing events published on a NATS subject into a
// Handler. Subscribers share a queue group so each event is handled by one
// daemon.
type NATSSource struct {
	cfg     NATSConfig
	conn    *nats.Conn
	handler *Handler
	log     *slog.Logger
}

// Reply is sent back when the publisher used request/reply.
type Reply struct {
	Result Result `json:"result"`
	Error  string `json:"error,omitempty"`
}

// NewNATSSource connects to NATS.
func NewNATSSource(cfg NATSConfig, handler *Handler, log *slog.Logger) (*NATSSource, error) {
	if !cfg.Enabled() {
		return nil, errors.New("billing.nats.url is required")
	}
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "billing-nats", "subject", cfg.Subject)

	opts := []nats.Option{
		nats.Name("botfleetd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("disconnected from NATS", "error", err)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSource{cfg: cfg, conn: conn, handler: handler, log: log}, nil
}

// Run subscribes and processes messages until ctx ends, then drains the
// subscription and closes the connection.
func (s *NATSSource) Run(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, func(msg *nats.Msg) {
		s.onMessage(ctx, msg)
	})
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	if err := s.conn.Flush(); err != nil {
		s.conn.Close()
		return fmt.Errorf("flush subscription: %w", err)
	}
	s.log.Info("listening for billing events", "queue", s.cfg.Queue)

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		s.log.Warn("drain failed", "error", err)
	}
	s.conn.Close()
	return nil
}

func (s *NATSSource) onMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.HandleTimeout)
	defer cancel()

	reply := Reply{}
	ev, err := ParseEvent(msg.Data)
	if err == nil {
		reply.Result, err = s.handler.Handle(ctx, ev)
	} else {
		reply.Result = ResultFailed
	}
	if err != nil {
		reply.Error = err.Error()
		s.log.Error("billing event failed", "error", err)
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond", "error", err)
	}
}
