package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartdine/config"
	"smartdine/orders"
	"smartdine/store"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	env, err := NewEnvelope(TypeStatusChanged, StatusChanged{
		OrderID:   4,
		OldStatus: orders.StatusPending,
		NewStatus: orders.StatusPreparing,
		Actor:     "alice",
		ChangedAt: at,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)

	data, err := env.Encode()
	require.NoError(t, err)

	got, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, TypeStatusChanged, got.Type)

	var sc StatusChanged
	require.NoError(t, got.DecodePayload(&sc))
	assert.Equal(t, int64(4), sc.OrderID)
	assert.Equal(t, orders.StatusPreparing, sc.NewStatus)
	assert.True(t, at.Equal(sc.ChangedAt))
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"id":"x","type":"order.eaten","payload":{}}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

type fakeOutbox struct {
	mu      sync.Mutex
	msgs    []*store.OutboxMessage
	acked   []int64
	retried []int64
}

func (f *fakeOutbox) ListPendingOutbox(limit int) ([]*store.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.OutboxMessage
	for _, m := range f.msgs {
		if m.SentAt == nil && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeOutbox) AckOutbox(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	now := time.Now()
	for _, m := range f.msgs {
		if m.ID == id {
			m.SentAt = &now
		}
	}
	return nil
}

func (f *fakeOutbox) IncrementOutboxRetries(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, id)
	for _, m := range f.msgs {
		if m.ID == id {
			m.Retries++
		}
	}
	return nil
}

type fakePublisher struct {
	failTopic string
	sent      []string
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	if topic == p.failTopic {
		return errors.New("broker down")
	}
	p.sent = append(p.sent, key+":"+string(payload))
	return nil
}

func TestOutboxDrainerAcksAndRetries(t *testing.T) {
	ob := &fakeOutbox{msgs: []*store.OutboxMessage{
		{ID: 1, Topic: "status", Key: "1", Payload: []byte("a")},
		{ID: 2, Topic: "broken", Key: "2", Payload: []byte("b")},
		{ID: 3, Topic: "status", Key: "2", Payload: []byte("c")},
		{ID: 4, Topic: "status", Key: "3", Payload: []byte("d")},
	}}
	pub := &fakePublisher{failTopic: "broken"}
	d := NewOutboxDrainer(ob, pub, time.Second)

	sent := d.drain(context.Background())

	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"1:a", "3:d"}, pub.sent)
	assert.Equal(t, []int64{1, 4}, ob.acked)
	assert.Equal(t, []int64{2}, ob.retried, "message 3 waits behind failed message 2 with the same key")

	pub.failTopic = ""
	sent = d.drain(context.Background())
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"1:a", "3:d", "2:b", "2:c"}, pub.sent)
}

func TestOutboxDrainerRunStopsOnCancel(t *testing.T) {
	ob := &fakeOutbox{msgs: []*store.OutboxMessage{{ID: 1, Topic: "t", Key: "k", Payload: []byte("x")}}}
	pub := &fakePublisher{}
	d := NewOutboxDrainer(ob, pub, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, _ := ob.ListPendingOutbox(10)
		return len(pending) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drainer did not stop")
	}
}

func TestClientRejectsUnknownBackend(t *testing.T) {
	c := NewClient(&config.MessagingConfig{Backend: "carrier-pigeon"})
	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())
	assert.Error(t, c.Publish(context.Background(), "t", "k", nil))
	c.Close()
}

func TestClientKafkaRequiresBrokers(t *testing.T) {
	c := NewClient(&config.MessagingConfig{Backend: "kafka"})
	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())
}

func TestClientKafkaWriterSurvivesFailedDial(t *testing.T) {
	c := NewClient(&config.MessagingConfig{
		Backend:     "kafka",
		StatusTopic: "smartdine.status",
		Kafka:       config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}},
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.Error(t, c.Connect(ctx))
	assert.False(t, c.IsConnected())

	// The writer exists, so a later drain retries the broker instead of
	// failing before any dial.
	require.NotNil(t, c.kafkaW)
	pubCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.Publish(pubCtx, "smartdine.status", "7", []byte(`{}`))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "not initialized")
	assert.False(t, c.IsConnected())
}
