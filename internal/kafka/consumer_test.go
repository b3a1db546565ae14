package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu      sync.Mutex
	pending []kafka.Message
	commits []kafka.Message
	closed  bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committed() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.commits...)
}

func TestConsumer_FailingMessageHoldsBackItsPartition(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{
		{Partition: 0, Offset: 10},
		{Partition: 0, Offset: 11},
		{Partition: 1, Offset: 5},
	}}
	c := newConsumer(r, 2, nil)
	c.retryBase = time.Millisecond

	var mu sync.Mutex
	failures := 0
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if m.Partition == 0 && m.Offset == 10 && failures < 3 {
			failures++
			return errors.New("queue unavailable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()

	require.Eventually(t, func() bool { return len(r.committed()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var p0 []int64
	for _, m := range r.committed() {
		if m.Partition == 0 {
			p0 = append(p0, m.Offset)
		}
	}
	assert.Equal(t, []int64{10, 11}, p0, "offset 11 is never committed ahead of 10")
	assert.Equal(t, 3, failures)
	assert.True(t, r.closed)
}

func TestConsumer_StopsWhileRetrying(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Partition: 0, Offset: 1}, {Partition: 0, Offset: 2}}}
	c := newConsumer(r, 1, nil)
	c.retryBase = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(context.Context, kafka.Message) error { return errors.New("down") })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.committed())
}

func TestLaneFor(t *testing.T) {
	assert.Equal(t, 0, laneFor(0, 3))
	assert.Equal(t, 1, laneFor(4, 3))
	assert.Equal(t, 0, laneFor(5, 1))
}
