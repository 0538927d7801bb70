package notify

import (
	"context"
	"sync"
	"time"

	"github.com/mcclellann/loansyncro/pkg/metrics"
	"go.uber.org/zap"
)

const deliveryTimeout = 10 * time.Second

// Dispatcher queues events and delivers them from one worker goroutine so a
// slow sink never holds up a request.
type Dispatcher struct {
	notifier Notifier
	logger   *zap.Logger
	queue    chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the worker. Close must be called to stop it.
func NewDispatcher(n Notifier, queueSize int, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		notifier: n,
		logger:   logger,
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues e. When the queue is full or the dispatcher is closed the
// event is dropped.
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- e:
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn("notification queue full, dropping event",
			zap.String("kind", string(e.Kind)), zap.String("owner", e.Owner))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := d.notifier.Notify(ctx, e); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("kind", string(e.Kind)), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events, delivers what is queued and waits for the
// worker to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}
