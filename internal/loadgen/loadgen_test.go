package loadgen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/mqueue-journal/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memSink keeps copies of everything it receives.
type memSink struct {
	mu      sync.Mutex
	msgs    map[uint64][]byte
	acked   map[uint64]bool
	syncs   int
	failAt  uint64
	blockCh chan struct{}
}

func newMemSink() *memSink {
	return &memSink{msgs: make(map[uint64][]byte), acked: make(map[uint64]bool)}
}

func (s *memSink) Put(id uint64, payload []byte) error {
	if s.blockCh != nil {
		<-s.blockCh
	}
	if s.failAt != 0 && id == s.failAt {
		return errors.New("sink full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[id] = append([]byte(nil), payload...)
	return nil
}

func (s *memSink) PutSync(_ context.Context, id uint64, payload []byte) error {
	s.mu.Lock()
	s.syncs++
	s.mu.Unlock()
	return s.Put(id, payload)
}

func (s *memSink) Ack(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked[id] = true
	return nil
}

func TestRunWritesEveryMessage(t *testing.T) {
	sink := newMemSink()
	res, err := Run(context.Background(), sink, Config{
		Producers: 4, Messages: 50, MinSize: 10, MaxSize: 100, BaseID: 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(200), res.Messages)
	require.Len(t, sink.msgs, 200)

	var total int64
	for id := uint64(1000); id < 1200; id++ {
		data, ok := sink.msgs[id]
		require.True(t, ok, "message %d missing", id)
		assert.GreaterOrEqual(t, len(data), 10)
		assert.LessOrEqual(t, len(data), 100)
		assert.Equal(t, Payload(id, make([]byte, len(data))), data)
		total += int64(len(data))
	}
	assert.Equal(t, total, res.Bytes)
	assert.Positive(t, res.Duration)
	assert.Positive(t, res.MessagesPerSec())
}

func TestRunSyncAndAcks(t *testing.T) {
	sink := newMemSink()
	res, err := Run(context.Background(), sink, Config{
		Producers: 2, Messages: 10, MinSize: 5, MaxSize: 5, Sync: true, AckEvery: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 20, sink.syncs)
	assert.Equal(t, int64(4), res.Acks)
	assert.True(t, sink.acked[4])
	assert.True(t, sink.acked[19])
	assert.Equal(t, int64(100), res.Bytes)
}

func TestRunStopsOnSinkError(t *testing.T) {
	sink := newMemSink()
	sink.failAt = 7
	_, err := Run(context.Background(), sink, Config{Producers: 1, Messages: 20, MaxSize: 8})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink full")
	assert.Len(t, sink.msgs, 7)
}

func TestRunHonoursContext(t *testing.T) {
	sink := newMemSink()
	sink.blockCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, sink, Config{Producers: 2, Messages: 1000, MaxSize: 8})
		done <- err
	}()
	cancel()
	close(sink.blockCh)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestInvalidConfig(t *testing.T) {
	for name, cfg := range map[string]Config{
		"no producers":   {Messages: 1},
		"negative count": {Producers: 1, Messages: -1},
		"inverted sizes": {Producers: 1, MinSize: 10, MaxSize: 5},
		"negative ack":   {Producers: 1, AckEvery: -1},
	} {
		_, err := Run(context.Background(), newMemSink(), cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}
}

func TestRunAgainstEngine(t *testing.T) {
	cfg := engine.Config{Dir: t.TempDir(), BlockSize: 512, RingCapacity: 128}
	e, err := engine.Open(cfg)
	require.NoError(t, err)

	res, err := Run(context.Background(), e, Config{Producers: 4, Messages: 25, MinSize: 0, MaxSize: 2000})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = engine.Open(cfg)
	require.NoError(t, err)
	defer e.Close()
	assert.Len(t, e.IDs(), int(res.Messages))
	for _, id := range e.IDs() {
		got, err := e.Get(id)
		require.NoError(t, err)
		assert.Equal(t, Payload(id, make([]byte, len(got))), got)
	}
}
