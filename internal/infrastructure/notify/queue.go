package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/mt5_trade_manager/internal/domain"
	"go.uber.org/zap"
)

const sendTimeout = 10 * time.Second

// Queue decouples lifecycle processing from notification I/O. Publish never
// blocks: a full queue drops the message and counts it. One background
// worker drains the channel; shutdown waits for it with a bounded timeout.
type Queue struct {
	notifier Notifier
	logger   *zap.Logger
	ch       chan *domain.Notification
	done     chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
}

func NewQueue(notifier Notifier, size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		notifier: notifier,
		logger:   logger,
		ch:       make(chan *domain.Notification, size),
		done:     make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (q *Queue) Start() {
	go q.worker()
}

// Publish enqueues a notification without blocking. Fire and forget: after a
// drain, or when the queue is full, the message is dropped.
func (q *Queue) Publish(n *domain.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.dropped++
		return
	}

	select {
	case q.ch <- n:
	default:
		q.dropped++
		q.logger.Warn("Notification queue full, dropping",
			zap.String("bot", n.BotID),
			zap.String("title", n.Title))
	}
}

// Dropped returns how many notifications were discarded.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain stops intake and waits for queued notifications to be delivered,
// up to the given timeout.
func (q *Queue) Drain(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("notification drain timed out after %s", timeout)
	}
}

func (q *Queue) worker() {
	defer close(q.done)

	for n := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := q.notifier.Send(ctx, n)
		cancel()
		if err != nil {
			q.logger.Warn("Notification delivery failed",
				zap.String("notifier", q.notifier.Name()),
				zap.String("title", n.Title),
				zap.Error(err))
		}
	}
}
