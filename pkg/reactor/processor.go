// Package reactor implements the Todo Processor (C5): a subscription-driven
// worker that invokes a handler for every event on its topics and appends
// whatever events that handler emits back through the event store.
//
// One goroutine per processor, subscribed to one or more topics, with
// per-event logging and metrics (internal/grainlog, internal/metrics).
package reactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/grainhq/grain/internal/grainlog"
	"github.com/grainhq/grain/internal/metrics"
	"github.com/grainhq/grain/pkg/grain"
)

// HandlerResult is what a reactor handler returns for a single event. An
// empty ResultEvents means no side effect beyond logging success.
type HandlerResult struct {
	ResultEvents []grain.InputEvent
}

// HandlerFunc processes one event, in the reactor's own handler context.
// Returning an error that satisfies grain.AsAnomaly logs at error severity
// and continues; a panic inside HandlerFunc is recovered, logged, and also
// does not stop the processor.
type HandlerFunc func(ctx *Context, event grain.Event) (HandlerResult, error)

// Context is the processor's own context merged with the triggering event,
// constructed fresh per invocation so handlers never see another event's
// state.
type Context struct {
	Ctx        context.Context
	Event      grain.Event
	EventStore grain.EventStore
	Additional map[string]any
}

// Config configures a Processor.
type Config struct {
	Name       string
	Bus        grain.Bus
	EventStore grain.EventStore
	Topics     []string
	Handler    HandlerFunc
	Additional map[string]any
}

// Processor is one running Todo Processor: one goroutine, one or more
// subscriptions, sequential per-processor dispatch.
type Processor struct {
	name       string
	bus        grain.Bus
	store      grain.EventStore
	handler    HandlerFunc
	additional map[string]any
	log        zerolog.Logger

	subs []grain.Subscription
	wg   sync.WaitGroup
	stop chan struct{}
}

// Start subscribes to every topic in cfg.Topics and launches the worker
// goroutine. The returned Processor is running; call Stop to shut it down.
func Start(cfg Config) (*Processor, error) {
	if cfg.Bus == nil {
		return nil, grain.Incorrect("reactor.Start", "bus is required", nil)
	}
	if cfg.Handler == nil {
		return nil, grain.Incorrect("reactor.Start", "handler is required", nil)
	}
	if len(cfg.Topics) == 0 {
		return nil, grain.Incorrect("reactor.Start", "at least one topic is required", nil)
	}

	p := &Processor{
		name:       cfg.Name,
		bus:        cfg.Bus,
		store:      cfg.EventStore,
		handler:    cfg.Handler,
		additional: cfg.Additional,
		log:        grainlog.WithProcessor(cfg.Name),
		stop:       make(chan struct{}),
	}

	for _, topic := range cfg.Topics {
		p.subs = append(p.subs, cfg.Bus.Subscribe(topic))
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// run is the single worker goroutine. It fans in every subscription's
// channel with one select, so delivery across a processor's own topics
// stays in a single sequential stream: ordering is guaranteed per
// subscription, and a processor with multiple topics still processes one
// event at a time, just not globally ordered across topics.
func (p *Processor) run() {
	defer p.wg.Done()

	cases := make([]selectCase, len(p.subs))
	for i, s := range p.subs {
		cases[i] = selectCase{sub: s}
	}

	for {
		event, ok := p.recvAny(cases)
		if !ok {
			return
		}
		p.sampleQueueDepth()
		p.handleOne(event)
	}
}

type selectCase struct {
	sub grain.Subscription
}

// sampleQueueDepth reports the combined buffered length across this
// processor's subscriptions as a backlog gauge alongside event-rate
// metrics.
func (p *Processor) sampleQueueDepth() {
	depth := 0
	for _, c := range p.subs {
		depth += len(c.C())
	}
	metrics.ReactorQueueDepth.WithLabelValues(p.name).Set(float64(depth))
}

// recvAny waits on every subscription's channel plus the stop signal. It is
// written as a simple multi-way receive rather than reflect.Select since the
// topic count per processor is small and fixed at construction.
func (p *Processor) recvAny(cases []selectCase) (grain.Event, bool) {
	if len(cases) == 1 {
		select {
		case e, ok := <-cases[0].sub.C():
			if !ok {
				return grain.Event{}, false
			}
			return e, true
		case <-p.stop:
			return grain.Event{}, false
		}
	}

	// General fan-in for an arbitrary, small number of topics.
	merged := make(chan grain.Event)
	done := make(chan struct{})
	var once sync.Once
	for _, c := range cases {
		go func(sub grain.Subscription) {
			select {
			case e, ok := <-sub.C():
				if ok {
					select {
					case merged <- e:
					case <-done:
					}
				}
			case <-done:
			}
		}(c.sub)
	}
	defer once.Do(func() { close(done) })

	select {
	case e := <-merged:
		return e, true
	case <-p.stop:
		return grain.Event{}, false
	}
}

func (p *Processor) handleOne(event grain.Event) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.ReactorHandleDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
		metrics.ReactorEventsHandledTotal.WithLabelValues(p.name, outcome).Inc()
	}()

	result, err := p.invoke(event)
	if err != nil {
		outcome = "error"
		if a, ok := grain.AsAnomaly(err); ok {
			p.log.Error().Str("event_type", event.Type).Str("event_id", event.ID).Str("category", string(a.Category)).Msg(a.Message)
		} else {
			p.log.Error().Str("event_type", event.Type).Str("event_id", event.ID).Err(err).Msg("handler error")
		}
		return
	}

	if len(result.ResultEvents) == 0 {
		p.log.Debug().Str("event_type", event.Type).Str("event_id", event.ID).Msg("handled")
		return
	}

	if p.store == nil {
		outcome = "error"
		p.log.Error().Str("event_type", event.Type).Msg("Error storing events.: no event store configured")
		return
	}
	if _, err := p.store.Append(p.stdContext(), result.ResultEvents); err != nil {
		outcome = "error"
		p.log.Error().Str("event_type", event.Type).Err(err).Msg("Error storing events.")
	}
}

func (p *Processor) invoke(event grain.Event) (result HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = grain.Fault("reactor.handle", fmt.Sprintf("handler panicked: %v", r), nil)
		}
	}()

	hctx := &Context{
		Ctx:        p.stdContext(),
		Event:      event,
		EventStore: p.store,
		Additional: p.additional,
	}
	return p.handler(hctx, event)
}

func (p *Processor) stdContext() context.Context {
	return context.Background()
}

// Stop unsubscribes from the bus, waits for the in-flight handler
// invocation to finish, and joins the worker goroutine.
func (p *Processor) Stop() {
	close(p.stop)
	for _, s := range p.subs {
		s.Unsubscribe()
	}
	p.wg.Wait()
}
