package zfcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Kind labels the source an event came from.
type Kind string

const (
	KindController Kind = "controller"
	KindDisk       Kind = "disk"
)

// Action describes what happened to the object in a change.
type Action string

const (
	ActionAdded   Action = "added"
	ActionChanged Action = "changed"
	ActionRemoved Action = "removed"
)

// Names of the two outbound event streams.
const (
	StreamDisks       = "zfcp_disks"
	StreamControllers = "zfcp_controllers"
)

// DefaultBuffer is the capacity of a subscription's event channel.
const DefaultBuffer = 64

// Change is what a notification source reports. Controller is set by
// controller sources and Disk by disk sources.
type Change struct {
	Action     Action
	Controller *Controller
	Disk       *Disk
}

// Event is a change tagged with its source kind.
type Event struct {
	ID         string      `json:"id"`
	Time       time.Time   `json:"time"`
	Kind       Kind        `json:"kind"`
	Action     Action      `json:"action"`
	Controller *Controller `json:"controller,omitempty"`
	Disk       *Disk       `json:"disk,omitempty"`
}

// Path returns the address of the object the event is about.
func (e Event) Path() Path {
	switch {
	case e.Disk != nil:
		return e.Disk.Path()
	case e.Controller != nil:
		return ControllerPath(e.Controller.ID)
	default:
		return Path{}
	}
}

// Source is an independent hardware change notification source.
//
// Watch starts listening and returns a channel of changes in arrival order.
// The channel is closed when ctx is done, and also when the underlying
// notification channel drops; the second case is reported to subscribers
// as ErrSubscriptionLost. Listeners must be released once ctx is done.
type Source interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// LabelledSource pairs a source with the kind stamped on its events.
type LabelledSource struct {
	Kind   Kind
	Source Source
}

// AggregatorOptions tunes an Aggregator. The zero value is usable.
type AggregatorOptions struct {
	Logger   *zerolog.Logger
	Recorder Recorder
	Buffer   int
	Now      func() time.Time
}

// Aggregator merges several notification sources into one labelled stream.
type Aggregator struct {
	sources []LabelledSource
	log     zerolog.Logger
	rec     Recorder
	buffer  int
	now     func() time.Time
}

// NewAggregator returns an aggregator over the given sources.
func NewAggregator(opts AggregatorOptions, sources ...LabelledSource) *Aggregator {
	a := &Aggregator{
		sources: sources,
		log:     zerolog.Nop(),
		rec:     opts.Recorder,
		buffer:  opts.Buffer,
		now:     opts.Now,
	}
	if opts.Logger != nil {
		a.log = *opts.Logger
	}
	if a.rec == nil {
		a.rec = nopRecorder{}
	}
	if a.buffer <= 0 {
		a.buffer = DefaultBuffer
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Subscribe starts one producer per source and returns the merged stream.
// Events of one source keep their arrival order; events of different
// sources interleave as they arrive.
func (a *Aggregator) Subscribe(ctx context.Context) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	inputs := make([]<-chan Change, len(a.sources))
	for i, src := range a.sources {
		ch, err := src.Source.Watch(gctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribing to %s changes: %w", src.Kind, err)
		}
		inputs[i] = ch
	}

	sub := &Subscription{
		events: make(chan Event, a.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for i, src := range a.sources {
		kind, in := src.Kind, inputs[i]
		g.Go(func() error {
			return a.produce(gctx, kind, in, sub.events)
		})
	}

	go func() {
		err := g.Wait()
		if err != nil {
			a.log.Error().Err(err).Msg("event stream terminated")
		}
		sub.finish(err)
	}()

	a.log.Debug().Int("sources", len(a.sources)).Msg("subscribed")
	return sub, nil
}

// produce tags every change from in and forwards it. A closed input while
// the subscription is still wanted means the source dropped.
func (a *Aggregator) produce(ctx context.Context, kind Kind, in <-chan Change, out chan<- Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %s source closed", ErrSubscriptionLost, kind)
			}
			ev := Event{
				ID:         uuid.NewString(),
				Time:       a.now(),
				Kind:       kind,
				Action:     ch.Action,
				Controller: ch.Controller,
				Disk:       ch.Disk,
			}
			select {
			case out <- ev:
				a.rec.Event(ev)
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Subscription is a live, cancellable event stream. It cannot be resumed;
// create a new one after it ends.
type Subscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Events returns the merged stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed once all producers have stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended: nil after Close or cancellation,
// an error wrapping ErrSubscriptionLost when a source dropped.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producers, releases the sources and waits for them.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.cancel()
	close(s.events)
	close(s.done)
}

// NamedStream is one of the outbound streams.
type NamedStream struct {
	Name       string
	Aggregator *Aggregator
}

// EventStreams returns the zfcp_disks and zfcp_controllers streams, each
// independently subscribable.
func EventStreams(opts AggregatorOptions, controllers, disks Source) []NamedStream {
	return []NamedStream{
		{Name: StreamDisks, Aggregator: NewAggregator(opts, LabelledSource{Kind: KindDisk, Source: disks})},
		{Name: StreamControllers, Aggregator: NewAggregator(opts, LabelledSource{Kind: KindController, Source: controllers})},
	}
}
