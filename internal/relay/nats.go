// Package relay carries process broadcasts between service replicas over
// NATS.
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const (
	SubjectPrefix = "docflow.process."
	originHeader  = "Docflow-Origin"
)

// Deliverer hands relayed messages to the local sessions of a process.
type Deliverer interface {
	Deliver(processID string, message []byte)
}

// Logger defines the logging interface used by the relay
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NATSRelay publishes broadcasts to docflow.process.<pid> and delivers the
// messages of other replicas locally.
type NATSRelay struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	origin string
	logger Logger
}

// Connect dials url. The context bounds the initial connection attempt.
func Connect(ctx context.Context, url string, logger Logger) (*NATSRelay, error) {
	if url == "" {
		return nil, errors.New("NATS URL cannot be empty")
	}
	opts := []nats.Option{
		nats.Name("docflow-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Errorf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(url, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "connect to NATS")
	case res := <-resultCh:
		if res.err != nil {
			return nil, errors.Wrap(res.err, "connect to NATS")
		}
		return &NATSRelay{conn: res.conn, origin: uuid.NewString(), logger: logger}, nil
	}
}

// Start subscribes to the broadcasts of every process.
func (r *NATSRelay) Start(local Deliverer) error {
	sub, err := r.conn.Subscribe(SubjectPrefix+"*", func(msg *nats.Msg) {
		if msg.Header.Get(originHeader) == r.origin {
			return
		}
		processID := strings.TrimPrefix(msg.Subject, SubjectPrefix)
		local.Deliver(processID, msg.Data)
	})
	if err != nil {
		return errors.Wrap(err, "subscribe to process broadcasts")
	}
	r.sub = sub
	return nil
}

func (r *NATSRelay) Publish(processID string, message []byte) error {
	msg := nats.NewMsg(SubjectPrefix + processID)
	msg.Header.Set(originHeader, r.origin)
	msg.Data = message
	return errors.Wrapf(r.conn.PublishMsg(msg), "publish to %s", msg.Subject)
}

// Close drains the subscription and the connection.
func (r *NATSRelay) Close() error {
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn.Drain()
}
