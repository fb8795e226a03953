package messaging

import (
	"context"
	"fmt"

	"dpsim-api/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Confirmation is the broker's answer to a publish.
type Confirmation int

const (
	// ConfirmationNotRequested: the channel is not in confirm mode.
	ConfirmationNotRequested Confirmation = iota
	ConfirmationAck
	ConfirmationNack
)

func (c Confirmation) String() string {
	switch c {
	case ConfirmationNotRequested:
		return "not_requested"
	case ConfirmationAck:
		return "ack"
	default:
		return "nack"
	}
}

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
}

type amqpDialer func(addr string) (amqpConnection, error)

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(addr string) (amqpConnection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

type AMQPDispatcher struct {
	addr        string
	queue       string
	confirmMode bool
	dial        amqpDialer
	logger      *zap.Logger
}

// NewAMQPDispatcher publishes to queue on the default exchange. With
// confirmMode off (the usual broker setup) a "not requested" confirmation is
// the only accepted answer; with it on, only an ack is.
func NewAMQPDispatcher(addr, queue string, confirmMode bool, logger *zap.Logger) *AMQPDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPDispatcher{
		addr:        addr,
		queue:       queue,
		confirmMode: confirmMode,
		dial:        dialAMQP,
		logger:      logger,
	}
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, order domain.WorkOrder) error {
	body, err := encodeWorkOrder(order)
	if err != nil {
		return d.fail(KindPublish, err)
	}

	conn, err := d.dial(d.addr)
	if err != nil {
		return d.fail(KindConnection, err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return d.fail(KindConnection, err)
	}
	defer ch.Close()

	if d.confirmMode {
		if err := ch.Confirm(false); err != nil {
			return d.fail(KindConnection, fmt.Errorf("failed to enable confirm mode: %w", err))
		}
	}

	queue, err := ch.QueueDeclare(d.queue, false, false, false, false, nil)
	if err != nil {
		return d.fail(KindDeclare, err)
	}
	d.logger.Debug("declared queue", zap.String("queue", queue.Name), zap.Int("messages", queue.Messages))

	deferred, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return d.fail(KindPublish, err)
	}

	confirmation, err := awaitConfirmation(ctx, deferred)
	if err != nil {
		return d.fail(KindPublish, err)
	}
	if !d.accepts(confirmation) {
		return d.fail(KindUnexpectedConfirmation, fmt.Errorf("broker answered %s", confirmation))
	}

	d.logger.Info("work order published",
		zap.String("queue", d.queue),
		zap.String("results_file", order.Parameters.ResultsFile),
		zap.Stringer("confirmation", confirmation))
	return nil
}

func (d *AMQPDispatcher) accepts(c Confirmation) bool {
	if d.confirmMode {
		return c == ConfirmationAck
	}
	return c == ConfirmationNotRequested
}

func awaitConfirmation(ctx context.Context, deferred *amqp.DeferredConfirmation) (Confirmation, error) {
	if deferred == nil {
		return ConfirmationNotRequested, nil
	}
	ack, err := deferred.WaitContext(ctx)
	if err != nil {
		return ConfirmationNack, err
	}
	if ack {
		return ConfirmationAck, nil
	}
	return ConfirmationNack, nil
}

func (d *AMQPDispatcher) fail(kind DispatchErrorKind, err error) error {
	return &DispatchError{Backend: "amqp", Target: d.queue, Kind: kind, Err: err}
}

func (d *AMQPDispatcher) HealthCheck(ctx context.Context) error {
	conn, err := d.dial(d.addr)
	if err != nil {
		return fmt.Errorf("AMQP dial failed: %w", err)
	}
	return conn.Close()
}

func (d *AMQPDispatcher) Close() error { return nil }
