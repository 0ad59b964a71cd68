package recording

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const publishTimeout = 15 * time.Second

// publishQueue runs sink writes off the event loop. A full queue drops the
// newest write rather than stalling transcription.
type publishQueue struct {
	ch     chan publishJob
	done   chan struct{}
	logger zerolog.Logger
}

type publishJob struct {
	name string
	fn   func(ctx context.Context) error
}

func newPublishQueue(size int, logger zerolog.Logger) *publishQueue {
	q := &publishQueue{
		ch:     make(chan publishJob, size),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.run()
	return q
}

func (q *publishQueue) enqueue(name string, fn func(ctx context.Context) error) {
	select {
	case q.ch <- publishJob{name: name, fn: fn}:
	default:
		q.logger.Warn().Str("event", name).Msg("Sink queue full, dropping event")
	}
}

// close waits for queued writes to finish. Must not be followed by enqueue.
func (q *publishQueue) close() {
	close(q.ch)
	<-q.done
}

func (q *publishQueue) run() {
	defer close(q.done)
	for job := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := job.fn(ctx); err != nil {
			q.logger.Warn().Err(err).Str("event", job.name).Msg("Sink publish failed")
		}
		cancel()
	}
}
