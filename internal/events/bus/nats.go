package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/common/config"
	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/pkg/codex"
)

// Publisher is the subset of *nats.Conn the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSMirror republishes every bus event on NATS as <prefix>.<event type>.
type NATSMirror struct {
	pub    Publisher
	prefix string
	logger *logger.Logger
	sub    *Subscription
	conn   *nats.Conn
}

// ConnectNATS dials NATS with reconnection logic.
func ConnectNATS(cfg config.NATSConfig, log *logger.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return conn, nil
}

// NewNATSMirror connects to NATS and mirrors b onto it.
func NewNATSMirror(b *Bus, cfg config.NATSConfig, log *logger.Logger) (*NATSMirror, error) {
	log = log.WithComponent("nats-mirror")
	conn, err := ConnectNATS(cfg, log)
	if err != nil {
		return nil, err
	}
	m := AttachMirror(b, conn, cfg.SubjectPrefix, log)
	m.conn = conn
	return m, nil
}

// AttachMirror mirrors b onto pub.
func AttachMirror(b *Bus, pub Publisher, prefix string, log *logger.Logger) *NATSMirror {
	m := &NATSMirror{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: log,
	}
	m.sub = b.AddListener(Wildcard, m.publish)
	return m
}

// Subject returns the NATS subject for an event type.
func (m *NATSMirror) Subject(eventType string) string {
	return m.prefix + "." + subjectToken(eventType)
}

// Close detaches from the bus and drains the NATS connection it owns.
func (m *NATSMirror) Close() {
	m.sub.Unsubscribe()
	if m.conn != nil {
		if err := m.conn.Drain(); err != nil {
			m.logger.Debug("NATS drain failed", zap.Error(err))
		}
	}
}

func (m *NATSMirror) publish(ev *codex.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to marshal event", zap.String("event_type", ev.Type), zap.Error(err))
		return
	}

	subject := m.Subject(ev.Type)
	if err := m.pub.Publish(subject, data); err != nil {
		m.logger.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", ev.Type),
			zap.Error(err))
		return
	}

	m.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", ev.ID))
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
