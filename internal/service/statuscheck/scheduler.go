// Package statuscheck periodically probes environment health endpoints and records the
// results as bounded per-environment history.
package statuscheck

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/metrics"
	"github.com/splax/helios/internal/repository"
	"github.com/splax/helios/pkg/config"
)

const (
	defaultInterval    = time.Minute
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 4
	defaultKeep        = 20
	maxBody            = 64 << 10
)

// Publisher receives status results for live subscribers.
type Publisher interface {
	Publish(repositoryID int64, kind string, payload any)
}

// Scheduler probes every enabled environment with a status check configured.
type Scheduler struct {
	envs        repository.EnvironmentRepository
	client      *http.Client
	publisher   Publisher
	logger      *slog.Logger
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	keep        int
	now         func() time.Time
}

// New constructs a Scheduler.
func New(envs repository.EnvironmentRepository, publisher Publisher, logger *slog.Logger, cfg config.APIConfig) *Scheduler {
	if envs == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		envs:        envs,
		client:      &http.Client{},
		publisher:   publisher,
		logger:      logger.With("component", "statuscheck"),
		interval:    cfg.StatusCheckInterval,
		timeout:     cfg.StatusCheckTimeout,
		concurrency: cfg.StatusCheckConcurrency,
		keep:        cfg.StatusHistoryLimit,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.keep <= 0 {
		s.keep = defaultKeep
	}
	return s
}

// Run executes probe rounds until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("status check scheduler started", "interval", s.interval, "concurrency", s.concurrency)
	s.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("status check scheduler stopped")
			return
		case <-ticker.C:
			s.runIteration(ctx)
		}
	}
}

// runIteration probes all candidates with bounded parallelism and returns how many results
// were recorded.
func (s *Scheduler) runIteration(ctx context.Context) int {
	envs, err := s.envs.ListStatusCheckEnvironments(ctx)
	if err != nil {
		s.logger.Warn("list status check environments failed", "error", err)
		return 0
	}
	results := make([]bool, len(envs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range envs {
		i, env := i, envs[i]
		g.Go(func() error {
			status := s.probe(gctx, env)
			if err := s.envs.AppendEnvironmentStatus(gctx, status, s.keep); err != nil {
				s.logger.Warn("record status check failed", "environment_id", env.ID, "error", err)
				return nil
			}
			results[i] = true
			if s.publisher != nil {
				s.publisher.Publish(env.RepositoryID, "environment.status", status)
			}
			return nil
		})
	}
	_ = g.Wait()

	recorded := 0
	for _, ok := range results {
		if ok {
			recorded++
		}
	}
	return recorded
}

// probe performs one health request. Failures become unsuccessful results, never errors.
func (s *Scheduler) probe(parent context.Context, env domain.Environment) domain.EnvironmentStatus {
	checkType := domain.StatusCheckHTTP
	if env.StatusCheckType != nil {
		checkType = *env.StatusCheckType
	}
	status := domain.EnvironmentStatus{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		CheckType:     checkType,
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		metrics.StatusCheckLatency.Observe(time.Since(start).Seconds())
		result := "success"
		if !status.Success {
			result = "failure"
		}
		metrics.StatusChecks.WithLabelValues(result).Inc()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.StatusURL, nil)
	if err != nil {
		status.Error = domain.Wrap(domain.CodeInvalidArgument, "build status request", err).Error()
		status.CheckedAt = s.now()
		return status
	}
	if checkType == domain.StatusCheckJSON {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		status.Error = classify(err).Error()
		status.CheckedAt = s.now()
		s.logger.Debug("status probe failed", "environment_id", env.ID, "error", err)
		return status
	}
	defer resp.Body.Close()

	status.HTTPStatusCode = resp.StatusCode
	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	if checkType == domain.StatusCheckJSON {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		switch {
		case err != nil:
			status.Error = classify(err).Error()
			healthy = false
		case !json.Valid(body):
			status.Error = domain.Errorf(domain.CodeUpstreamError, "status body is not valid json").Error()
			healthy = false
		default:
			status.Metadata = json.RawMessage(body)
		}
	}
	if !healthy && status.Error == "" {
		status.Error = domain.Errorf(domain.CodeUpstreamError, "status endpoint returned %d", resp.StatusCode).Error()
	}
	status.Success = healthy
	status.CheckedAt = s.now()
	return status
}

func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.Wrap(domain.CodeUpstreamTimeout, "status probe timed out", err)
	}
	return domain.Wrap(domain.CodeUpstreamError, "status probe failed", err)
}
