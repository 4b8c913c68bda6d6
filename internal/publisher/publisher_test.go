package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexflow/config"
	"dexflow/internal/retry"
)

type fakeWriter struct {
	mu     sync.Mutex
	fails  int
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("leader not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var fastPolicy = retry.Policy{Attempts: 3, Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}

func TestKafkaPublishKeysByChannel(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(w, "dexflow.events")

	require.NoError(t, k.Publish(context.Background(), OrderbookChannel("SOL-USDC"), []byte(`{"a":1}`)))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "SOL-USDC.orderbook", string(msg.Key))
	assert.Equal(t, `{"a":1}`, string(msg.Value))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "channel", msg.Headers[0].Key)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaValidates(t *testing.T) {
	_, err := NewKafka(config.KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	_, err = NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "brotli"})
	assert.Error(t, err)

	k, err := NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "snappy"})
	require.NoError(t, err)
	assert.NoError(t, k.Close())
}

func TestRetryingPublish(t *testing.T) {
	w := &fakeWriter{fails: 2}
	r := NewRetrying(newKafka(w, "t"), fastPolicy)
	require.NoError(t, r.Publish(context.Background(), SummaryChannel("m"), []byte("x")))
	assert.Len(t, w.msgs, 1)

	w.fails = 5
	err := r.Publish(context.Background(), SummaryChannel("m"), []byte("y"))
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Len(t, w.msgs, 1)
}

func TestEnvelopeEncode(t *testing.T) {
	env := NewEnvelope(TypeSummary, "SOL-USDC", SummaryChannel("SOL-USDC"), map[string]int{"trades": 3})
	b, err := env.Encode()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "summary", decoded["type"])
	assert.Equal(t, "SOL-USDC", decoded["market"])
	assert.Equal(t, "SOL-USDC.summary", decoded["channel"])
	assert.Len(t, decoded["id"], 36)
	assert.Equal(t, map[string]interface{}{"trades": float64(3)}, decoded["data"])

	_, err = NewEnvelope(TypeSummary, "m", "c", make(chan int)).Encode()
	assert.Error(t, err)
}

func TestNewSelectsDriver(t *testing.T) {
	p, err := New(config.PublisherConfig{Driver: config.DriverLog})
	require.NoError(t, err)
	assert.IsType(t, &Retrying{}, p)
	assert.NoError(t, p.Publish(context.Background(), "m.summary", []byte("{}")))

	p, err = New(config.PublisherConfig{Driver: config.DriverNone})
	require.NoError(t, err)
	assert.IsType(t, Discard{}, p)

	_, err = New(config.PublisherConfig{Driver: "redis"})
	assert.Error(t, err)
}

func TestChannelKind(t *testing.T) {
	assert.Equal(t, "summary", channelKind("SOL-USDC.summary"))
	assert.Equal(t, "orderbook", channelKind(OrderbookChannel("a.b")))
	assert.Equal(t, "plain", channelKind("plain"))
}
