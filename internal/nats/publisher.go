package nats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-json/internal/models"
)

// Message headers set on every published record.
const (
	HeaderOp  = "Cdc-Op"
	HeaderXid = "Cdc-Xid"
)

// Publisher handles publishing records to NATS
type Publisher struct {
	conn     *nats.Conn
	subject  string
	perTable bool
	logger   *logrus.Logger
}

// NewPublisher creates a new NATS publisher. With perTable set, records go to
// <subject>.<namespace>.<table>.
func NewPublisher(url, subject string, perTable bool, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)

	return &Publisher{
		conn:     conn,
		subject:  subject,
		perTable: perTable,
		logger:   logger,
	}, nil
}

// Publish publishes a record's payload to NATS
func (p *Publisher) Publish(ctx context.Context, rec *models.Record) error {
	msg := NewMessage(p.Subject(rec), rec)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published %s record for %s to %s", rec.Op, rec.QualifiedTable(), msg.Subject)
	return nil
}

// NewMessage builds the message for a record. The payload is copied.
func NewMessage(subject string, rec *models.Record) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = append([]byte(nil), rec.Payload...)
	msg.Header.Set(HeaderOp, rec.Op)
	msg.Header.Set(HeaderXid, strconv.FormatUint(rec.Xid, 10))
	return msg
}

// Subject returns the subject a record is published on
func (p *Publisher) Subject(rec *models.Record) string {
	if !p.perTable {
		return p.subject
	}
	subject := p.subject
	if rec.Namespace != "" {
		subject += "." + subjectToken(rec.Namespace)
	}
	return subject + "." + subjectToken(rec.Table)
}

// subjectToken makes a name usable as a single subject token
func subjectToken(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, name)
}

// Flush waits until the server has processed everything published so far
func (p *Publisher) Flush() error {
	if err := p.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.logger.Warnf("Failed to drain NATS connection: %v", err)
			p.conn.Close()
		}
	}
}

// GetConn returns the underlying NATS connection
func (p *Publisher) GetConn() *nats.Conn {
	return p.conn
}
