package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer is a buffered, fire-and-forget publisher for one topic. Events
// are an observability surface here; a dropped event never fails a request.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	done    chan struct{} // closed once to stop intake
	once    sync.Once
	closeCh chan struct{} // closed when the flush loop exits
}

func NewProducer(brokers []string, topic string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		inbox:   make(chan kafka.Message, buf),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				p.Close()
				p.drain()
				return
			case <-p.done:
				p.drain()
				return
			case m := <-p.inbox:
				_ = p.w.WriteMessages(context.Background(), m)
			}
		}
	}()
}

func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			_ = p.w.WriteMessages(context.Background(), m)
		default:
			_ = p.w.Close()
			close(p.closeCh)
			return
		}
	}
}

// Publish enqueues without blocking. After Close (or context cancellation)
// the message is dropped; a full buffer also drops.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.inbox <- kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}:
	default:
	}
}

// Close stops intake; the flush loop drains what is buffered and exits.
// Idempotent, and safe to call while requests are still publishing.
func (p *Producer) Close() { p.once.Do(func() { close(p.done) }) }

// WaitClosed blocks until the flush loop finished.
func (p *Producer) WaitClosed() { <-p.closeCh }
