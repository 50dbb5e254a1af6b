package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	persistTimeout  = 5 * time.Second
	persistAttempts = 3
)

type persistJob struct {
	name string
	run  func(ctx context.Context) error
}

// persister runs a room's writes in submission order on its own goroutine.
// The queue is unbounded so enqueue never blocks the room.
type persister struct {
	ticketId string
	log      zerolog.Logger
	tracer   trace.Tracer

	mu     sync.Mutex
	queue  []persistJob
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newPersister(ticketId string, log zerolog.Logger, tracer trace.Tracer) *persister {
	return &persister{
		ticketId: ticketId,
		log:      log,
		tracer:   tracer,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (p *persister) enqueue(job persistJob) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Error().Str("job", job.name).Msg("persister closed, dropping write")
		return
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	p.notify()
}

func (p *persister) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// close stops accepting jobs. run returns once the queue is drained.
func (p *persister) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.notify()
}

func (p *persister) next() (persistJob, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return persistJob{}, false, p.closed
	}
	job := p.queue[0]
	p.queue[0] = persistJob{}
	p.queue = p.queue[1:]
	return job, true, false
}

func (p *persister) run() {
	defer close(p.done)

	for range p.signal {
		for {
			job, ok, closed := p.next()
			if closed {
				return
			}
			if !ok {
				break
			}
			p.exec(job)
		}
	}
}

func (p *persister) exec(job persistJob) {
	ctx, span := p.tracer.Start(context.Background(), "chat.persist."+job.name,
		trace.WithAttributes(attribute.String("ticket.id", p.ticketId)))
	defer span.End()

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, persistTimeout)
		err = job.run(attemptCtx)
		cancel()
		if err == nil {
			return
		}

		p.log.Warn().Err(err).Str("job", job.name).Int("attempt", attempt).Msg("persist failed")
		if attempt < persistAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.log.Error().Err(err).Str("job", job.name).Msg("giving up on write")
}
