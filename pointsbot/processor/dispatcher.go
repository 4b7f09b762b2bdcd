package processor

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ErrShuttingDown is returned for events submitted after the dispatcher's
// context was cancelled.
var ErrShuttingDown = errors.New("dispatcher shutting down")

const defaultLaneBuffer = 64

type job struct {
	ctx     context.Context
	event   Event
	results chan<- Result
}

// Dispatcher fans events out across a fixed set of lanes. Events hash onto
// a lane by user id, so two events from the same user always run on the
// same single goroutine, in arrival order. Cross-user parallelism is the
// lane count. Transfers hash on the sender; the receiving leg is protected
// by the database transaction, not by lane ordering.
type Dispatcher struct {
	processor *Processor
	lanes     []chan job
}

func NewDispatcher(p *Processor, laneCount int) *Dispatcher {
	if laneCount <= 0 {
		laneCount = 8
	}

	lanes := make([]chan job, laneCount)
	for i := range lanes {
		lanes[i] = make(chan job, defaultLaneBuffer)
	}

	return &Dispatcher{processor: p, lanes: lanes}
}

// Run drains the lanes until ctx is cancelled, then finishes whatever each
// lane already accepted.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i, lane := range d.lanes {
		g.Go(func() error {
			slog.Debug("Lane started",
				slog.String("type", "sys"),
				slog.Int("lane", i))

			for {
				select {
				case <-gctx.Done():
					d.drain(lane)
					return nil
				case j := <-lane:
					j.results <- d.processor.Process(j.ctx, j.event)
				}
			}
		})
	}

	return g.Wait()
}

// drain answers queued jobs after shutdown begins. The writes behind them
// never started, so rejecting as storage-unavailable lets the gateway retry
// them safely after restart.
func (d *Dispatcher) drain(lane chan job) {
	for {
		select {
		case j := <-lane:
			j.results <- rejected(ReasonStorageUnavailable)
		default:
			return
		}
	}
}

// Submit routes the event to its lane and waits for the result. The ctx
// deadline bounds the wait; an abandoned event still commits or rolls back
// atomically inside the store.
func (d *Dispatcher) Submit(ctx context.Context, event Event) (Result, error) {
	results := make(chan Result, 1)
	j := job{ctx: ctx, event: event, results: results}

	select {
	case d.laneFor(event) <- j:
	case <-ctx.Done():
		return Result{}, errors.Join(ErrShuttingDown, ctx.Err())
	}

	select {
	case result := <-results:
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (d *Dispatcher) laneFor(event Event) chan job {
	h := fnv.New32a()
	h.Write([]byte(event.UserID))
	return d.lanes[int(h.Sum32())%len(d.lanes)]
}
