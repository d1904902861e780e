package statuscheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository/memory"
	"github.com/splax/helios/pkg/config"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ int64, kind string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, kind)
}

func checkType(t domain.StatusCheckType) *domain.StatusCheckType { return &t }

func newScheduler(repo *memory.Repository, pub Publisher, cfg config.APIConfig) *Scheduler {
	return New(repo, pub, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

func TestProbeResultsAreRecorded(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	payload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"version":"1.4.2"}`))
	}))
	defer payload.Close()

	repo := memory.New()
	repo.PutEnvironment(domain.Environment{ID: 1, RepositoryID: 9, Enabled: true, StatusCheckType: checkType(domain.StatusCheckHTTP), StatusURL: healthy.URL})
	repo.PutEnvironment(domain.Environment{ID: 2, RepositoryID: 9, Enabled: true, StatusCheckType: checkType(domain.StatusCheckHTTP), StatusURL: broken.URL})
	repo.PutEnvironment(domain.Environment{ID: 3, RepositoryID: 9, Enabled: true, StatusCheckType: checkType(domain.StatusCheckJSON), StatusURL: payload.URL})
	repo.PutEnvironment(domain.Environment{ID: 4, RepositoryID: 9, Enabled: false, StatusCheckType: checkType(domain.StatusCheckHTTP), StatusURL: healthy.URL})
	repo.PutEnvironment(domain.Environment{ID: 5, RepositoryID: 9, Enabled: true})

	pub := &recordingPublisher{}
	s := newScheduler(repo, pub, config.APIConfig{StatusCheckTimeout: time.Second})
	recorded := s.runIteration(context.Background())
	assert.Equal(t, 3, recorded)
	assert.Len(t, pub.events, 3)

	ctx := context.Background()
	ok, err := repo.ListEnvironmentStatuses(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, ok, 1)
	assert.True(t, ok[0].Success)
	assert.Equal(t, http.StatusNoContent, ok[0].HTTPStatusCode)
	assert.NotEmpty(t, ok[0].ID)

	failed, err := repo.ListEnvironmentStatuses(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Success)
	assert.Contains(t, failed[0].Error, "503")

	meta, err := repo.ListEnvironmentStatuses(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, meta, 1)
	assert.True(t, meta[0].Success)
	assert.JSONEq(t, `{"version":"1.4.2"}`, string(meta[0].Metadata))

	skipped, err := repo.ListEnvironmentStatuses(ctx, 4, 0)
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestInvalidJSONIsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>ok</html>`))
	}))
	defer srv.Close()

	repo := memory.New()
	repo.PutEnvironment(domain.Environment{ID: 1, Enabled: true, StatusCheckType: checkType(domain.StatusCheckJSON), StatusURL: srv.URL})
	s := newScheduler(repo, nil, config.APIConfig{})
	s.runIteration(context.Background())

	history, err := repo.ListEnvironmentStatuses(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, http.StatusOK, history[0].HTTPStatusCode)
	assert.Empty(t, history[0].Metadata)
}

func TestTimeoutIsRecordedNotThrown(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	repo := memory.New()
	repo.PutEnvironment(domain.Environment{ID: 1, Enabled: true, StatusCheckType: checkType(domain.StatusCheckHTTP), StatusURL: srv.URL})
	s := newScheduler(repo, nil, config.APIConfig{StatusCheckTimeout: 50 * time.Millisecond})
	assert.Equal(t, 1, s.runIteration(context.Background()))

	history, err := repo.ListEnvironmentStatuses(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Contains(t, history[0].Error, "timed out")
}

func TestHistoryIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	repo := memory.New()
	repo.PutEnvironment(domain.Environment{ID: 1, Enabled: true, StatusCheckType: checkType(domain.StatusCheckHTTP), StatusURL: srv.URL})
	s := newScheduler(repo, nil, config.APIConfig{StatusHistoryLimit: 3})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	s.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Minute) }

	for i := 0; i < 5; i++ {
		s.runIteration(context.Background())
	}
	history, err := repo.ListEnvironmentStatuses(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].CheckedAt.After(history[1].CheckedAt))
	assert.Equal(t, base.Add(5*time.Minute), history[0].CheckedAt)
}

func TestConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	repo := memory.New()
	for id := int64(1); id <= 10; id++ {
		repo.PutEnvironment(domain.Environment{ID: id, Enabled: true, StatusCheckType: checkType(domain.StatusCheckHTTP), StatusURL: srv.URL})
	}
	s := newScheduler(repo, nil, config.APIConfig{StatusCheckConcurrency: 2, StatusCheckTimeout: time.Second})
	assert.Equal(t, 10, s.runIteration(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestNilSchedulerRunIsNoop(t *testing.T) {
	var s *Scheduler
	s.Run(context.Background())
	assert.Nil(t, New(nil, nil, nil, config.APIConfig{}))
}
