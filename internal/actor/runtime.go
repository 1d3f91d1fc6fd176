// Package actor runs one serialized mailbox per identity.
//
// Each active identity owns a goroutine that drains a bounded channel of
// envelopes (stream events or direct calls) one at a time, so the behavior
// behind it never sees two envelopes concurrently. Actors are created lazily
// on first use, subscribe explicitly to their stream partition and retire after
// an idle period.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/stream"
	"github.com/ashureev/devteam/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrActivation wraps behavior construction and subscription failures.
	ErrActivation = errors.New("actor activation failed")

	// ErrStopped is returned for envelopes that could not run because the actor stopped.
	ErrStopped = errors.New("actor stopped")

	// ErrRuntimeClosed is returned once Shutdown has been called.
	ErrRuntimeClosed = errors.New("actor runtime closed")

	// ErrIgnored is returned by behaviors for events they do not handle.
	ErrIgnored = errors.New("event ignored")

	errRetired = errors.New("actor retired")
)

// Behavior is the domain logic driven by an actor.
type Behavior interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

// Factory builds the behavior for an identity during activation.
type Factory func(ctx context.Context, identity string) (Behavior, error)

// Subscriber is the stream side of activation.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, identity string, h stream.Handler) (stream.Subscription, error)
}

// Options configures a Runtime.
type Options struct {
	Topic       string
	MailboxSize int
	IdleTimeout time.Duration // 0 disables eviction
	DedupWindow int
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
}

type envelope struct {
	event *domain.Event
	ctx   context.Context
	call  func(ctx context.Context, b Behavior) error
	reply chan error
}

type actor struct {
	identity string
	behavior Behavior
	mailbox  chan envelope
	inflight atomic.Int64
	seen     *dedup

	// guarded by Runtime.mu
	closing bool
	sub     stream.Subscription

	quit     chan struct{} // stop requested before the actor went live
	done     chan struct{} // loop exited; senders must give up
	released chan struct{} // subscription closed; a successor may subscribe
}

// Runtime owns the actors of one topic.
type Runtime struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sub     Subscriber
	factory Factory
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	actors   map[string]*actor
	retiring map[string]chan struct{}
	closed   bool

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewRuntime creates a runtime whose actors live until ctx is cancelled or Shutdown is called.
func NewRuntime(ctx context.Context, sub Subscriber, factory Factory, opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	rctx, cancel := context.WithCancel(ctx)
	return &Runtime{
		ctx:      rctx,
		cancel:   cancel,
		sub:      sub,
		factory:  factory,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		actors:   make(map[string]*actor),
		retiring: make(map[string]chan struct{}),
	}
}

// Topic returns the stream topic the runtime subscribes its actors to.
func (r *Runtime) Topic() string { return r.opts.Topic }

// Active returns the number of live actors.
func (r *Runtime) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Activate makes sure an actor is running for identity. It has the shape of
// a stream.Activator.
func (r *Runtime) Activate(ctx context.Context, identity string) error {
	_, err := r.lookup(ctx, identity)
	return err
}

// Do runs fn against the identity's behavior inside its mailbox and returns fn's error.
func (r *Runtime) Do(ctx context.Context, identity string, fn func(ctx context.Context, b Behavior) error) error {
	for {
		a, err := r.lookup(ctx, identity)
		if err != nil {
			return err
		}

		env := envelope{ctx: ctx, call: fn, reply: make(chan error, 1)}
		err = r.deliver(ctx, a, env)
		if errors.Is(err, errRetired) {
			continue
		}
		if err != nil {
			return err
		}

		select {
		case err := <-env.reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			select {
			case err := <-env.reply:
				return err
			default:
				return ErrStopped
			}
		}
	}
}

// Shutdown stops every actor after its current envelope and waits for them to exit.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for actors: %w", ctx.Err())
	}
}

func (r *Runtime) lookup(ctx context.Context, identity string) (*actor, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRuntimeClosed
	}
	if a, ok := r.actors[identity]; ok && !a.closing {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	ch := r.group.DoChan(identity, func() (interface{}, error) {
		return r.spawn(identity)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*actor), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// spawn runs under the identity's singleflight key.
func (r *Runtime) spawn(identity string) (*actor, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRuntimeClosed
		}
		if a, ok := r.actors[identity]; ok && !a.closing {
			r.mu.Unlock()
			return a, nil
		}
		wait, retiring := r.retiring[identity]
		r.mu.Unlock()
		if !retiring {
			break
		}
		select {
		case <-wait:
		case <-r.ctx.Done():
			return nil, ErrRuntimeClosed
		}
	}

	behavior, err := r.factory(r.ctx, identity)
	if err != nil {
		r.metrics.ActorStarted(false)
		r.logger.Error("Actor activation failed", "identity", identity, "error", err)
		return nil, fmt.Errorf("%w for %q: %w", ErrActivation, identity, err)
	}

	a := &actor{
		identity: identity,
		behavior: behavior,
		mailbox:  make(chan envelope, r.opts.MailboxSize),
		seen:     newDedup(r.opts.DedupWindow),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRuntimeClosed
	}
	r.actors[identity] = a
	r.wg.Add(1)
	r.mu.Unlock()

	// The loop runs before subscribing so buffered events can drain into a
	// mailbox smaller than the stream's pending buffer.
	go r.run(a)

	sub, err := r.sub.Subscribe(r.ctx, r.opts.Topic, identity, r.handlerFor(a))
	if err != nil {
		close(a.quit)
		<-a.released
		r.metrics.ActorStarted(false)
		r.logger.Error("Actor subscription failed", "identity", identity, "topic", r.opts.Topic, "error", err)
		return nil, fmt.Errorf("%w: subscribe %q: %w", ErrActivation, identity, err)
	}

	r.mu.Lock()
	a.sub = sub
	r.mu.Unlock()

	r.metrics.ActorStarted(true)
	r.logger.Info("Actor activated", "identity", identity, "topic", r.opts.Topic)
	return a, nil
}

func (r *Runtime) handlerFor(a *actor) stream.Handler {
	return func(ctx context.Context, ev domain.Event) error {
		err := r.deliver(ctx, a, envelope{event: &ev})
		if errors.Is(err, errRetired) || errors.Is(err, ErrStopped) {
			return stream.ErrUnsubscribed
		}
		return err
	}
}

// deliver enqueues env, blocking while the mailbox is full.
func (r *Runtime) deliver(ctx context.Context, a *actor, env envelope) error {
	r.mu.Lock()
	if a.closing {
		r.mu.Unlock()
		return errRetired
	}
	a.inflight.Add(1)
	r.mu.Unlock()

	select {
	case a.mailbox <- env:
		return nil
	case <-ctx.Done():
		a.inflight.Add(-1)
		return ctx.Err()
	case <-a.done:
		a.inflight.Add(-1)
		return ErrStopped
	}
}

func (r *Runtime) run(a *actor) {
	defer r.wg.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if r.opts.IdleTimeout > 0 {
		timer = time.NewTimer(r.opts.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case env := <-a.mailbox:
			r.process(a, env)
			a.inflight.Add(-1)
			if timer != nil {
				timer.Reset(r.opts.IdleTimeout)
			}
		case <-idle:
			if r.tryRetire(a) {
				r.finish(a, true)
				return
			}
			timer.Reset(r.opts.IdleTimeout)
		case <-a.quit:
			r.finish(a, false)
			return
		case <-r.ctx.Done():
			r.finish(a, false)
			return
		}
	}
}

// tryRetire marks a as closing when nothing is queued or reserved for it.
// The identity is marked retiring in the same critical section so a successor
// spawned from here on waits for the subscription to be released.
func (r *Runtime) tryRetire(a *actor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.sub == nil || a.inflight.Load() != 0 || len(a.mailbox) != 0 {
		return false
	}
	a.closing = true
	r.retiring[a.identity] = a.released
	return true
}

func (r *Runtime) finish(a *actor, evicted bool) {
	r.mu.Lock()
	a.closing = true
	if r.actors[a.identity] == a {
		delete(r.actors, a.identity)
	}
	r.retiring[a.identity] = a.released
	sub := a.sub
	live := sub != nil
	r.mu.Unlock()

	close(a.done)
	if sub != nil {
		if err := sub.Close(); err != nil {
			r.logger.Warn("Failed to close actor subscription", "identity", a.identity, "error", err)
		}
	}

	r.mu.Lock()
	if r.retiring[a.identity] == a.released {
		delete(r.retiring, a.identity)
	}
	r.mu.Unlock()
	close(a.released)

	if live {
		r.metrics.ActorStopped(evicted)
	}
	if evicted {
		r.logger.Info("Actor evicted after idle timeout", "identity", a.identity, "idle_timeout", r.opts.IdleTimeout)
	} else {
		r.logger.Debug("Actor stopped", "identity", a.identity)
	}
}

func (r *Runtime) process(a *actor, env envelope) {
	if env.call != nil {
		if err := env.ctx.Err(); err != nil {
			env.reply <- err
			return
		}
		ctx, cancel := context.WithCancel(env.ctx)
		stop := context.AfterFunc(r.ctx, cancel)
		err := r.safely(a, func() error { return env.call(ctx, a.behavior) })
		stop()
		cancel()
		env.reply <- err
		return
	}

	ev := *env.event
	if ev.ID != "" && a.seen.check(ev.ID) {
		r.metrics.EventDuplicate()
		r.logger.Debug("Duplicate event dropped", "identity", a.identity, "event_id", ev.ID, "kind", ev.Kind)
		return
	}

	err := r.safely(a, func() error { return a.behavior.HandleEvent(r.ctx, ev) })
	switch {
	case err == nil:
		r.metrics.EventDispatched(string(ev.Kind), "ok")
	case errors.Is(err, ErrIgnored):
		r.metrics.EventDispatched(string(ev.Kind), "ignored")
		r.logger.Debug("Event ignored", "identity", a.identity, "event_id", ev.ID, "kind", ev.Kind)
	default:
		r.metrics.EventDispatched(string(ev.Kind), "error")
		r.logger.Error("Event dispatch failed",
			"identity", a.identity,
			"event_id", ev.ID,
			"kind", ev.Kind,
			"error", err)
	}
}

func (r *Runtime) safely(a *actor, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Actor recovered from panic", "identity", a.identity, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in actor %q: %v", a.identity, p)
		}
	}()
	return fn()
}
