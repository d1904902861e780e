package upsert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
	"github.com/splax/helios/internal/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func label(id int64, name string, at time.Time) domain.Label {
	return domain.Label{ID: id, RepositoryID: 1, Name: name, UpdatedAt: at}
}

func TestUpsertCreatesThenSkipsReplay(t *testing.T) {
	repo := memory.New()
	c := New[domain.Label]("label", repo.Labels(), testLogger())
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	row, outcome, err := c.Upsert(context.Background(), "7", label(7, "bug", at), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, "bug", row.Name)

	row, outcome, err = c.Upsert(context.Background(), "7", label(7, "bug", at), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.Equal(t, "bug", row.Name)
	assert.Equal(t, 1, repo.Count("label"))
}

func TestUpsertAppliesOnlyNewerPayload(t *testing.T) {
	repo := memory.New()
	c := New[domain.Label]("label", repo.Labels(), testLogger())
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)

	_, _, err := c.Upsert(context.Background(), "7", label(7, "new-name", newer), nil)
	require.NoError(t, err)

	row, outcome, err := c.Upsert(context.Background(), "7", label(7, "old-name", older), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.Equal(t, "new-name", row.Name)

	stored, err := repo.Labels().Find(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "new-name", stored.Name)
	assert.Equal(t, newer, stored.UpdatedAt)
}

func TestUpsertMergeKeepsExistingFields(t *testing.T) {
	repo := memory.New()
	c := New[domain.Label]("label", repo.Labels(), testLogger())
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := label(7, "bug", at)
	first.Description = "kept"
	_, _, err := c.Upsert(context.Background(), "7", first, nil)
	require.NoError(t, err)

	merge := func(existing, incoming domain.Label) domain.Label {
		if incoming.Description == "" {
			incoming.Description = existing.Description
		}
		return incoming
	}
	row, outcome, err := c.Upsert(context.Background(), "7", label(7, "defect", at.Add(time.Second)), merge)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, "defect", row.Name)
	assert.Equal(t, "kept", row.Description)
}

func TestConcurrentUpsertsConvergeOnNewest(t *testing.T) {
	repo := memory.New()
	c := New[domain.Label]("label", repo.Labels(), testLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i%4) * time.Second)
			_, _, err := c.Upsert(context.Background(), "9", label(9, at.Format(time.RFC3339), at), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.Count("label"))
	stored, err := repo.Labels().Find(context.Background(), "9")
	require.NoError(t, err)
	newest := base.Add(3 * time.Second)
	assert.Equal(t, newest, stored.UpdatedAt)
	assert.Equal(t, newest.Format(time.RFC3339), stored.Name)
}

// racingStore reports not-found on the first Find, then ErrConflict on Insert, simulating a
// concurrent writer that inserted between the two calls.
type racingStore struct {
	winner   *domain.Label
	finds    int
	updated  []domain.Label
	updateOK bool
}

func (s *racingStore) Find(context.Context, string) (domain.Label, error) {
	s.finds++
	if s.finds == 1 || s.winner == nil {
		return domain.Label{}, repository.ErrNotFound
	}
	return *s.winner, nil
}

func (s *racingStore) Insert(context.Context, domain.Label) error {
	return repository.ErrConflict
}

func (s *racingStore) UpdateIfNewer(_ context.Context, row domain.Label) (bool, error) {
	s.updated = append(s.updated, row)
	return s.updateOK, nil
}

func TestUpsertMergesOntoRaceWinner(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	winner := label(3, "winner", at)
	store := &racingStore{winner: &winner, updateOK: true}
	c := New[domain.Label]("label", store, testLogger())

	row, outcome, err := c.Upsert(context.Background(), "3", label(3, "late-but-newer", at.Add(time.Second)), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaceMerged, outcome)
	assert.Equal(t, "late-but-newer", row.Name)
	require.Len(t, store.updated, 1)
}

func TestUpsertReturnsWinnerWhenOlder(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	winner := label(3, "winner", at)
	store := &racingStore{winner: &winner}
	c := New[domain.Label]("label", store, testLogger())

	row, outcome, err := c.Upsert(context.Background(), "3", label(3, "loser", at), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaceUnchanged, outcome)
	assert.Equal(t, "winner", row.Name)
	assert.Empty(t, store.updated)
}

func TestUpsertReportsSyncIntegrityWhenRowVanishes(t *testing.T) {
	store := &racingStore{}
	c := New[domain.Label]("label", store, testLogger())

	_, _, err := c.Upsert(context.Background(), "3", label(3, "ghost", time.Now()), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSyncIntegrity))
	assert.Equal(t, domain.CodeSyncIntegrity, domain.CodeOf(err))
}

// lostUpdateStore holds one row, loses every guarded update, then fails reads after the first.
type lostUpdateStore struct {
	row   domain.Label
	finds int
}

var errReadFailed = errors.New("read failed")

func (s *lostUpdateStore) Find(context.Context, string) (domain.Label, error) {
	s.finds++
	if s.finds > 1 {
		return domain.Label{}, errReadFailed
	}
	return s.row, nil
}

func (s *lostUpdateStore) Insert(context.Context, domain.Label) error {
	return repository.ErrConflict
}

func (s *lostUpdateStore) UpdateIfNewer(context.Context, domain.Label) (bool, error) {
	return false, nil
}

func TestUpsertReturnsReReadErrorAfterLostUpdate(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &lostUpdateStore{row: label(4, "stored", at)}
	c := New[domain.Label]("label", store, testLogger())

	_, outcome, err := c.Upsert(context.Background(), "4", label(4, "newer", at.Add(time.Second)), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errReadFailed)
	assert.Empty(t, outcome)
	assert.Equal(t, 2, store.finds)
}
