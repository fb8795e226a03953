package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dpsim-api/internal/domain"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type NATSDispatcher struct {
	url     string
	stream  string
	subject string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSDispatcher publishes work orders to a JetStream stream; the PubAck
// is the broker's confirmation.
func NewNATSDispatcher(url, stream, subject string, logger *zap.Logger) *NATSDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSDispatcher{
		url:     url,
		stream:  stream,
		subject: subject,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (d *NATSDispatcher) connect() (*nats.Conn, nats.JetStreamContext, error) {
	conn, err := nats.Connect(d.url,
		nats.Name("dpsim-api"),
		nats.Timeout(d.timeout),
		nats.MaxReconnects(0),
	)
	if err != nil {
		return nil, nil, err
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return conn, js, nil
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, order domain.WorkOrder) error {
	payload, err := encodeWorkOrder(order)
	if err != nil {
		return d.fail(KindPublish, err)
	}

	conn, js, err := d.connect()
	if err != nil {
		return d.fail(KindConnection, err)
	}
	defer conn.Close()

	if err := d.declare(js); err != nil {
		return d.fail(KindDeclare, err)
	}

	pubCtx, cancel := d.withDeadline(ctx)
	defer cancel()

	ack, err := js.Publish(d.subject, payload, nats.Context(pubCtx))
	if err != nil {
		return d.fail(KindPublish, err)
	}
	if ack == nil || ack.Stream != d.stream {
		return d.fail(KindUnexpectedConfirmation, fmt.Errorf("unexpected publish ack %+v", ack))
	}

	d.logger.Info("work order published",
		zap.String("stream", ack.Stream),
		zap.Uint64("sequence", ack.Sequence),
		zap.String("results_file", order.Parameters.ResultsFile))
	return nil
}

func (d *NATSDispatcher) declare(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(d.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     d.stream,
		Subjects: []string{d.subject},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

func (d *NATSDispatcher) fail(kind DispatchErrorKind, err error) error {
	return &DispatchError{Backend: "nats", Target: d.subject, Kind: kind, Err: err}
}

func (d *NATSDispatcher) HealthCheck(ctx context.Context) error {
	conn, err := nats.Connect(d.url, nats.Timeout(d.timeout), nats.MaxReconnects(0))
	if err != nil {
		return fmt.Errorf("NATS connect failed: %w", err)
	}
	defer conn.Close()

	flushCtx, cancel := d.withDeadline(ctx)
	defer cancel()
	return conn.FlushWithContext(flushCtx)
}

// withDeadline bounds ctx by the dispatcher timeout; JetStream requests
// need a deadline.
func (d *NATSDispatcher) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *NATSDispatcher) Close() error { return nil }
