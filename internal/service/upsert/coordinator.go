// Package upsert implements the idempotent find-create-or-update primitive every
// webhook synchronizer goes through.
//
// Rows are keyed by the upstream identifier and carry the upstream updated_at as a
// watermark. A stored row is only replaced by a strictly newer payload, so replays and
// out-of-order deliveries converge on the newest version. Insert races between concurrent
// deliveries of the same new entity are resolved by re-reading the winner's row.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/metrics"
	"github.com/splax/helios/internal/repository"
)

// Outcome describes what an Upsert call did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeRaceMerged means the insert lost a race and the payload was merged onto the winner.
	OutcomeRaceMerged Outcome = "race_merged"
	// OutcomeRaceUnchanged means the insert lost a race to an equal or newer row.
	OutcomeRaceUnchanged Outcome = "race_unchanged"
)

// MergeFunc builds the row to save from the stored row and the newer incoming payload.
// It must keep the incoming watermark. A nil MergeFunc saves incoming as is.
type MergeFunc[T any] func(existing, incoming T) T

// Coordinator upserts rows of a single entity kind.
type Coordinator[T repository.Synced] struct {
	kind   string
	store  repository.SyncStore[T]
	logger *slog.Logger
}

// New constructs a Coordinator for kind backed by store.
func New[T repository.Synced](kind string, store repository.SyncStore[T], logger *slog.Logger) *Coordinator[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator[T]{
		kind:   kind,
		store:  store,
		logger: logger.With("component", "upsert", "kind", kind),
	}
}

// Upsert stores incoming under key unless an equal or newer row already exists, and returns
// the row that is stored afterwards.
func (c *Coordinator[T]) Upsert(ctx context.Context, key string, incoming T, merge MergeFunc[T]) (T, Outcome, error) {
	row, outcome, err := c.upsert(ctx, key, incoming, merge)
	if err != nil {
		metrics.UpsertOutcomes.WithLabelValues(c.kind, "error").Inc()
		return row, outcome, err
	}
	metrics.UpsertOutcomes.WithLabelValues(c.kind, string(outcome)).Inc()
	return row, outcome, nil
}

func (c *Coordinator[T]) upsert(ctx context.Context, key string, incoming T, merge MergeFunc[T]) (T, Outcome, error) {
	var zero T
	existing, err := c.store.Find(ctx, key)
	switch {
	case err == nil:
		return c.mergeIfNewer(ctx, key, existing, incoming, merge, OutcomeUpdated, OutcomeUnchanged)
	case !errors.Is(err, repository.ErrNotFound):
		return zero, "", fmt.Errorf("find %s %s: %w", c.kind, key, err)
	}

	err = c.store.Insert(ctx, incoming)
	if err == nil {
		return incoming, OutcomeCreated, nil
	}
	if !errors.Is(err, repository.ErrConflict) {
		return zero, "", fmt.Errorf("insert %s %s: %w", c.kind, key, err)
	}

	c.logger.Debug("insert lost race, re-reading", "key", key)
	existing, err = c.store.Find(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.logger.Error("row missing after unique conflict", "key", key)
			return zero, "", domain.Wrap(domain.CodeSyncIntegrity, fmt.Sprintf("%s %s missing after conflict", c.kind, key), err)
		}
		return zero, "", fmt.Errorf("re-read %s %s: %w", c.kind, key, err)
	}
	return c.mergeIfNewer(ctx, key, existing, incoming, merge, OutcomeRaceMerged, OutcomeRaceUnchanged)
}

func (c *Coordinator[T]) mergeIfNewer(ctx context.Context, key string, existing, incoming T, merge MergeFunc[T], written, skipped Outcome) (T, Outcome, error) {
	if !incoming.Watermark().After(existing.Watermark()) {
		return existing, skipped, nil
	}
	row := incoming
	if merge != nil {
		row = merge(existing, incoming)
	}
	ok, err := c.store.UpdateIfNewer(ctx, row)
	if err != nil {
		return existing, "", fmt.Errorf("update %s %s: %w", c.kind, key, err)
	}
	if ok {
		return row, written, nil
	}
	// A concurrent writer stored an equal or newer watermark between our read and write.
	current, err := c.store.Find(ctx, key)
	if err != nil {
		return existing, "", fmt.Errorf("re-read %s %s after lost update: %w", c.kind, key, err)
	}
	return current, skipped, nil
}
