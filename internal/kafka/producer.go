package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var ErrProducerClosed = errors.New("kafka producer closed")

// Producer publishes envelopes through a buffered inbox drained by one
// goroutine. The topic comes from the event type.
type Producer struct {
	w     *kafka.Writer
	inbox chan kafka.Message
	log   *zap.Logger

	mu      sync.RWMutex
	closed  bool
	closeCh chan struct{}
}

var _ events.Publisher = (*Producer)(nil)

func NewProducer(brokers []string, buf int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           20 * time.Millisecond,
		},
		inbox:   make(chan kafka.Message, buf),
		log:     log,
		closeCh: make(chan struct{}),
	}
}

// Start runs the writer loop until Close drains the inbox.
func (p *Producer) Start() {
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.w.WriteMessages(ctx, m); err != nil {
				p.log.Error("kafka write failed",
					zap.String("topic", m.Topic), zap.ByteString("key", m.Key), zap.Error(err))
			}
			cancel()
		}
		if err := p.w.Close(); err != nil {
			p.log.Warn("kafka writer close", zap.Error(err))
		}
	}()
}

func (p *Producer) Publish(ctx context.Context, env events.Envelope) error {
	msg, err := EncodeMessage(events.TopicFor(env.EventType), env)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake; the loop flushes what is buffered and exits.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

// WaitClosed blocks until the loop has flushed and closed the writer.
func (p *Producer) WaitClosed() { <-p.closeCh }
