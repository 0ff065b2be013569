package queues

import (
	"context"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
)

const (
	DefaultDispatchBuffer = 256
	defaultPublishTimeout = 5 * time.Second
)

// AsyncDispatcher hands events to a publisher from a background goroutine.
// Dispatch never blocks: when the buffer is full the event is dropped and logged.
type AsyncDispatcher struct {
	publisher EventPublisher
	events    chan models.UploadEvent
	logger    logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsyncDispatcher(parent context.Context, publisher EventPublisher, buffer int, l logging.Logger) *AsyncDispatcher {
	if buffer <= 0 {
		buffer = DefaultDispatchBuffer
	}
	ctx, cancel := context.WithCancel(parent)

	return &AsyncDispatcher{
		publisher: publisher,
		events:    make(chan models.UploadEvent, buffer),
		logger:    l,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (d *AsyncDispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
}

func (d *AsyncDispatcher) Dispatch(evt models.UploadEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher closed, dropping event", "type", evt.Type, "upload_id", evt.UploadId)
		return
	}

	select {
	case d.events <- evt:
	default:
		d.logger.Warn("event buffer full, dropping event", "type", evt.Type, "upload_id", evt.UploadId)
	}
}

func (d *AsyncDispatcher) loop() {
	for evt := range d.events {
		d.publish(evt)
	}
}

func (d *AsyncDispatcher) publish(evt models.UploadEvent) {
	ctx, cancel := context.WithTimeout(d.ctx, defaultPublishTimeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, evt); err != nil {
		d.logger.Error("failed to publish upload event", "type", evt.Type, "upload_id", evt.UploadId, "error", err)
	}
}

// Shutdown stops accepting events and drains the buffer until ctx expires.
func (d *AsyncDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
