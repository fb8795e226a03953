package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"dpsim-api/internal/domain"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder() domain.WorkOrder {
	sim := domain.Simulation{SimulationID: 1, ResultsID: "100"}
	return domain.NewWorkOrder(sim, "http://files/m1", "", domain.DefaultExecutionProfile())
}

type fakeChannel struct {
	declareErr error
	publishErr error
	confirmed  bool
	declared   []string
	published  []amqp.Publishing
	keys       []string
	closed     bool
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.confirmed = true
	return nil
}

func (c *fakeChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if c.publishErr != nil {
		return nil, c.publishErr
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil, nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type fakeConnection struct {
	channel    *fakeChannel
	channelErr error
	closed     bool
}

func (c *fakeConnection) Channel() (amqpChannel, error) {
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	return c.channel, nil
}

func (c *fakeConnection) Close() error {
	c.closed = true
	return nil
}

func newFakeAMQP(confirmMode bool, conn *fakeConnection, dialErr error) *AMQPDispatcher {
	d := NewAMQPDispatcher("amqp://test", "hello", confirmMode, nil)
	d.dial = func(string) (amqpConnection, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}
	return d
}

func TestAMQPDispatcher_Dispatch(t *testing.T) {
	ch := &fakeChannel{}
	conn := &fakeConnection{channel: ch}
	d := newFakeAMQP(false, conn, nil)

	require.NoError(t, d.Dispatch(context.Background(), sampleOrder()))

	assert.Equal(t, []string{"hello"}, ch.declared)
	assert.Equal(t, []string{"hello"}, ch.keys)
	require.Len(t, ch.published, 1)
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.False(t, ch.confirmed)
	assert.True(t, ch.closed)
	assert.True(t, conn.closed)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &payload))
	assert.Equal(t, map[string]any{"type": "url-list", "url": []any{"http://files/m1"}}, payload["model"])
	params := payload["parameters"].(map[string]any)
	assert.Equal(t, "100", params["results_file"])
	assert.Equal(t, "SLEW_Shmem_CIGRE_MV_PowerFlow", params["executable"])
	assert.Equal(t, 0.1, params["timestep"])
	assert.Equal(t, float64(20), params["duration"])
}

func TestAMQPDispatcher_Failures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name        string
		confirmMode bool
		conn        *fakeConnection
		dialErr     error
		kind        DispatchErrorKind
	}{
		{name: "dial", dialErr: boom, kind: KindConnection},
		{name: "channel", conn: &fakeConnection{channelErr: boom}, kind: KindConnection},
		{name: "declare", conn: &fakeConnection{channel: &fakeChannel{declareErr: boom}}, kind: KindDeclare},
		{name: "publish", conn: &fakeConnection{channel: &fakeChannel{publishErr: boom}}, kind: KindPublish},
		{
			name:        "confirm mode without broker confirmation",
			confirmMode: true,
			conn:        &fakeConnection{channel: &fakeChannel{}},
			kind:        KindUnexpectedConfirmation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeAMQP(tt.confirmMode, tt.conn, tt.dialErr)
			err := d.Dispatch(context.Background(), sampleOrder())

			var dispatchErr *DispatchError
			require.ErrorAs(t, err, &dispatchErr)
			assert.Equal(t, tt.kind, dispatchErr.Kind)
			assert.Equal(t, "amqp", dispatchErr.Backend)
			if tt.kind != KindUnexpectedConfirmation {
				assert.ErrorIs(t, err, boom)
			}
		})
	}
}

func TestConfirmationPolicy(t *testing.T) {
	plain := &AMQPDispatcher{}
	assert.True(t, plain.accepts(ConfirmationNotRequested))
	assert.False(t, plain.accepts(ConfirmationAck))
	assert.False(t, plain.accepts(ConfirmationNack))

	confirming := &AMQPDispatcher{confirmMode: true}
	assert.True(t, confirming.accepts(ConfirmationAck))
	assert.False(t, confirming.accepts(ConfirmationNotRequested))
	assert.False(t, confirming.accepts(ConfirmationNack))

	c, err := awaitConfirmation(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, ConfirmationNotRequested, c)
}

func TestRedisStreamDispatcher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	d := NewRedisStreamDispatcher(client, "orders", "workers", nil)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, sampleOrder()))
	// The group already exists the second time round.
	require.NoError(t, d.Dispatch(ctx, sampleOrder()))

	entries, err := client.XRange(ctx, "orders", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "100", entries[0].Values["results_file"])

	var order domain.WorkOrder
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &order))
	assert.Equal(t, sampleOrder(), order)

	assert.NoError(t, d.HealthCheck(ctx))
}

func TestRedisStreamDispatcher_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	d := NewRedisStreamDispatcher(client, "", "", nil)
	err := d.Dispatch(context.Background(), sampleOrder())

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, KindConnection, dispatchErr.Kind)
	assert.Equal(t, DefaultStreamName, dispatchErr.Target)
}

func TestNATSDispatcher_Unreachable(t *testing.T) {
	d := NewNATSDispatcher("nats://127.0.0.1:1", "DPSIM", "dpsim.work-orders", nil)
	err := d.Dispatch(context.Background(), sampleOrder())

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, KindConnection, dispatchErr.Kind)
	assert.Equal(t, "nats", dispatchErr.Backend)
}

func TestDispatchErrorMessage(t *testing.T) {
	err := &DispatchError{Backend: "amqp", Target: "hello", Kind: KindDeclare, Err: errors.New("access refused")}
	assert.Equal(t, "amqp dispatch to hello failed (declare): access refused", err.Error())
}
