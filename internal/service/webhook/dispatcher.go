package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/helios/internal/metrics"
	"github.com/splax/helios/pkg/config"
)

const (
	defaultWorkers   = 8
	defaultQueueSize = 256
	forgetTimeout    = 2 * time.Second
)

// Handler applies one decoded event.
type Handler interface {
	Apply(ctx context.Context, ev Event) error
}

// DeliveryGuard reports whether a delivery id is seen for the first time. Forget releases an
// id whose event was never enqueued.
type DeliveryGuard interface {
	First(ctx context.Context, deliveryID string, receivedAt time.Time) (bool, error)
	Forget(ctx context.Context, deliveryID string) error
}

// Dispatcher routes events to a single ordered lane (workflow runs and approvals) or to a
// bounded worker pool (everything else). A failing event is logged and dropped.
type Dispatcher struct {
	handler Handler
	guard   DeliveryGuard
	logger  *slog.Logger
	ordered chan Event
	pooled  chan Event
	workers int
	now     func() time.Time
}

// NewDispatcher constructs a Dispatcher. guard may be nil to disable deduplication.
func NewDispatcher(handler Handler, guard DeliveryGuard, logger *slog.Logger, cfg config.APIConfig) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.WebhookWorkers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := cfg.WebhookQueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{
		handler: handler,
		guard:   guard,
		logger:  logger.With("component", "webhook"),
		ordered: make(chan Event, size),
		pooled:  make(chan Event, size),
		workers: workers,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit decodes env, drops duplicates and enqueues the event. It blocks while the target
// lane is full until ctx is done. Decoding failures are returned to the caller.
func (d *Dispatcher) Submit(ctx context.Context, env Envelope) error {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = d.now()
	}
	ev, err := Decode(env)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(env.Category, "invalid").Inc()
		return err
	}
	if ev.Empty() {
		metrics.WebhookEvents.WithLabelValues(env.Category, "ignored").Inc()
		d.logger.Debug("webhook event ignored", "event", env.Category, "action", ev.Action, "delivery_id", env.DeliveryID)
		return nil
	}
	marked := false
	if d.guard != nil && env.DeliveryID != "" {
		first, err := d.guard.First(ctx, env.DeliveryID, env.ReceivedAt)
		switch {
		case err != nil:
			d.logger.Warn("delivery dedupe unavailable", "delivery_id", env.DeliveryID, "error", err)
		case first:
			marked = true
		case !first:
			metrics.WebhookEvents.WithLabelValues(env.Category, "duplicate").Inc()
			d.logger.Debug("duplicate delivery skipped", "event", env.Category, "delivery_id", env.DeliveryID)
			return nil
		}
	}

	lane := d.pooled
	if ev.Ordered() {
		lane = d.ordered
	}
	select {
	case lane <- ev:
		return nil
	case <-ctx.Done():
		if marked {
			d.forget(ctx, env.DeliveryID)
		}
		return fmt.Errorf("enqueue %s delivery %s: %w", env.Category, env.DeliveryID, ctx.Err())
	}
}

// forget releases a delivery id after a failed enqueue so a redelivery is not skipped. It
// runs detached from ctx, which is already done.
func (d *Dispatcher) forget(ctx context.Context, deliveryID string) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forgetTimeout)
	defer cancel()
	if err := d.guard.Forget(fctx, deliveryID); err != nil {
		d.logger.Error("release delivery id failed", "delivery_id", deliveryID, "error", err)
	}
}

// Run consumes both lanes until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("webhook dispatcher started", "workers", d.workers)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.drain(gctx, d.ordered)
		return nil
	})
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.drain(gctx, d.pooled)
			return nil
		})
	}
	err := g.Wait()
	d.logger.Info("webhook dispatcher stopped")
	return err
}

func (d *Dispatcher) drain(ctx context.Context, lane <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-lane:
			d.process(ctx, ev)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WebhookEvents.WithLabelValues(ev.Category, "panic").Inc()
			d.logger.Error("webhook handler panicked", "event", ev.Category, "delivery_id", ev.DeliveryID, "panic", r)
		}
	}()
	if err := d.handler.Apply(ctx, ev); err != nil {
		metrics.WebhookEvents.WithLabelValues(ev.Category, "dropped").Inc()
		d.logger.Warn("webhook event dropped",
			"event", ev.Category,
			"delivery_id", ev.DeliveryID,
			"entity_id", ev.EntityID(),
			"error", err,
		)
		return
	}
	metrics.WebhookEvents.WithLabelValues(ev.Category, "processed").Inc()
}
