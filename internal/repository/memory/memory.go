// Package memory provides an in-process implementation of the repository interfaces with
// the same conflict, watermark and row-exclusion semantics as the Postgres store.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
)

// Repository is safe for concurrent use.
type Repository struct {
	repos    *table[domain.Repository]
	users    *table[domain.User]
	branches *table[domain.Branch]
	commits  *table[domain.Commit]
	labels   *table[domain.Label]
	issues   *table[domain.Issue]
	releases *table[domain.Release]

	mu           sync.Mutex
	environments map[int64]domain.Environment
	envLocks     map[int64]*sync.Mutex
	statuses     map[int64][]domain.EnvironmentStatus
	lockHistory  []domain.EnvironmentLockHistory
	settings     map[int64]domain.RepositorySettings
	deployments  map[string]domain.Deployment
	prefs        map[prefKey]domain.NotificationPreference
	tokens       map[int64]domain.UserToken
	deliveries   map[string]time.Time
}

type prefKey struct {
	userID int64
	kind   domain.NotificationType
}

var (
	_ repository.SyncRepository         = (*Repository)(nil)
	_ repository.EnvironmentRepository  = (*Repository)(nil)
	_ repository.DeploymentRepository   = (*Repository)(nil)
	_ repository.UserRepository         = (*Repository)(nil)
	_ repository.RepoRepository         = (*Repository)(nil)
	_ repository.NotificationRepository = (*Repository)(nil)
	_ repository.DeliveryRepository     = (*Repository)(nil)
)

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		repos: newTable(func(r domain.Repository) string { return idKey(r.ID) }, nil),
		users: newTable(func(u domain.User) string { return idKey(u.ID) }, func(stored, incoming domain.User) domain.User {
			incoming.NotificationsEnabled = stored.NotificationsEnabled
			incoming.NotificationEmail = stored.NotificationEmail
			return incoming
		}),
		branches:     newTable(func(b domain.Branch) string { return b.Key() }, nil),
		commits:      newTable(func(c domain.Commit) string { return c.SHA }, nil),
		labels:       newTable(func(l domain.Label) string { return idKey(l.ID) }, nil),
		issues:       newTable(func(i domain.Issue) string { return idKey(i.ID) }, nil),
		releases:     newTable(func(r domain.Release) string { return idKey(r.ID) }, nil),
		environments: make(map[int64]domain.Environment),
		envLocks:     make(map[int64]*sync.Mutex),
		statuses:     make(map[int64][]domain.EnvironmentStatus),
		settings:     make(map[int64]domain.RepositorySettings),
		deployments:  make(map[string]domain.Deployment),
		prefs:        make(map[prefKey]domain.NotificationPreference),
		tokens:       make(map[int64]domain.UserToken),
		deliveries:   make(map[string]time.Time),
	}
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (r *Repository) Repositories() repository.SyncStore[domain.Repository] { return r.repos }
func (r *Repository) Users() repository.SyncStore[domain.User]              { return r.users }
func (r *Repository) Branches() repository.SyncStore[domain.Branch]         { return r.branches }
func (r *Repository) Commits() repository.SyncStore[domain.Commit]          { return r.commits }
func (r *Repository) Labels() repository.SyncStore[domain.Label]            { return r.labels }
func (r *Repository) Issues() repository.SyncStore[domain.Issue]            { return r.issues }
func (r *Repository) Releases() repository.SyncStore[domain.Release]        { return r.releases }
func (r *Repository) Environments() repository.SyncStore[domain.Environment] {
	return environmentStore{repo: r}
}

// PutEnvironment seeds or replaces an environment row.
func (r *Repository) PutEnvironment(env domain.Environment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.environments[env.ID] = env
}

// PutUser seeds or replaces a user row, including local settings.
func (r *Repository) PutUser(user domain.User) {
	r.users.put(user)
}

// PutRepository seeds or replaces a repository row.
func (r *Repository) PutRepository(repo domain.Repository) {
	r.repos.put(repo)
}

// LockHistory returns a copy of every recorded lock tenure.
func (r *Repository) LockHistory() []domain.EnvironmentLockHistory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.EnvironmentLockHistory(nil), r.lockHistory...)
}

// Count returns the number of stored rows for a sync kind; used by tests.
func (r *Repository) Count(kind string) int {
	switch kind {
	case "repository":
		return r.repos.len()
	case "user":
		return r.users.len()
	case "branch":
		return r.branches.len()
	case "commit":
		return r.commits.len()
	case "label":
		return r.labels.len()
	case "issue":
		return r.issues.len()
	case "release":
		return r.releases.len()
	case "environment":
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.environments)
	}
	return 0
}

// GetEnvironment implements repository.EnvironmentRepository.
func (r *Repository) GetEnvironment(_ context.Context, environmentID int64) (*domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.environments[environmentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &env, nil
}

func (r *Repository) ListEnvironmentsByRepository(_ context.Context, repositoryID int64) ([]domain.Environment, error) {
	return r.filterEnvironments(func(env domain.Environment) bool { return env.RepositoryID == repositoryID }), nil
}

func (r *Repository) ListLockedEnvironments(_ context.Context, repositoryID int64) ([]domain.Environment, error) {
	return r.filterEnvironments(func(env domain.Environment) bool {
		return env.Locked && (repositoryID == 0 || env.RepositoryID == repositoryID)
	}), nil
}

func (r *Repository) ListStatusCheckEnvironments(_ context.Context) ([]domain.Environment, error) {
	return r.filterEnvironments(func(env domain.Environment) bool {
		return env.Enabled && env.StatusCheckType != nil && strings.TrimSpace(env.StatusURL) != ""
	}), nil
}

func (r *Repository) filterEnvironments(keep func(domain.Environment) bool) []domain.Environment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Environment, 0)
	for _, env := range r.environments {
		if keep(env) {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Repository) envLock(environmentID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.envLocks[environmentID]
	if !ok {
		lock = &sync.Mutex{}
		r.envLocks[environmentID] = lock
	}
	return lock
}

// MutateEnvironment holds a per-row mutex for the whole read-modify-write. Upstream-owned
// columns and the sync watermark are never changed by a mutation.
func (r *Repository) MutateEnvironment(ctx context.Context, environmentID int64, fn repository.EnvironmentMutation) (*domain.Environment, error) {
	lock := r.envLock(environmentID)
	lock.Lock()
	defer lock.Unlock()

	env, err := r.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	write, err := fn(env)
	if err != nil {
		return nil, err
	}
	if !write {
		return env, nil
	}
	r.mu.Lock()
	stored := r.environments[environmentID]
	env.Name = stored.Name
	env.RepositoryID = stored.RepositoryID
	env.UpdatedAt = stored.UpdatedAt
	r.environments[environmentID] = *env
	r.mu.Unlock()
	return env, nil
}

func (r *Repository) AppendEnvironmentStatus(_ context.Context, status domain.EnvironmentStatus, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.environments[status.EnvironmentID]; !ok {
		return repository.ErrNotFound
	}
	history := append(r.statuses[status.EnvironmentID], status)
	sort.SliceStable(history, func(i, j int) bool { return history[i].CheckedAt.After(history[j].CheckedAt) })
	if keep > 0 && len(history) > keep {
		history = history[:keep]
	}
	r.statuses[status.EnvironmentID] = history
	return nil
}

func (r *Repository) ListEnvironmentStatuses(_ context.Context, environmentID int64, limit int) ([]domain.EnvironmentStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.statuses[environmentID]
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return append([]domain.EnvironmentStatus(nil), history...), nil
}

func (r *Repository) InsertLockHistory(_ context.Context, entry domain.EnvironmentLockHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockHistory = append(r.lockHistory, entry)
	return nil
}

func (r *Repository) CloseLockHistory(_ context.Context, environmentID int64, unlockedBy int64, unlockedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.lockHistory) - 1; i >= 0; i-- {
		entry := &r.lockHistory[i]
		if entry.EnvironmentID == environmentID && entry.UnlockedAt == nil {
			at := unlockedAt
			by := unlockedBy
			entry.UnlockedAt = &at
			entry.UnlockedBy = &by
			return nil
		}
	}
	return nil
}

func (r *Repository) GetRepositorySettings(_ context.Context, repositoryID int64) (*domain.RepositorySettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	settings, ok := r.settings[repositoryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &settings, nil
}

func (r *Repository) UpsertRepositorySettings(_ context.Context, settings domain.RepositorySettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	settings.UpdatedAt = time.Now().UTC()
	r.settings[settings.RepositoryID] = settings
	return nil
}

// CreateDeployment implements repository.DeploymentRepository.
func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deployments[deployment.ID]; ok {
		return repository.ErrConflict
	}
	r.deployments[deployment.ID] = *deployment
	return nil
}

func (r *Repository) GetDeployment(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &dep, nil
}

func (r *Repository) FindDeploymentByRunID(_ context.Context, runID int64) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range r.deployments {
		if dep.WorkflowRunID != nil && *dep.WorkflowRunID == runID {
			return &dep, nil
		}
		if id, ok := domain.ParseRunID(dep.WorkflowRunURL); ok && id == runID {
			return &dep, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Repository) ListWaitingDeployments(_ context.Context, repositoryID int64) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, dep := range r.deployments {
		if dep.RepositoryID == repositoryID && dep.Status == domain.DeploymentWaiting && dep.WorkflowRunURL == "" {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) AttachWorkflowRun(_ context.Context, deploymentID, runURL string, runID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	dep.WorkflowRunURL = runURL
	id := runID
	dep.WorkflowRunID = &id
	dep.UpdatedAt = time.Now().UTC()
	r.deployments[deploymentID] = dep
	return nil
}

func (r *Repository) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deployments[update.DeploymentID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if update.RunWatermark != nil && dep.RunWatermark != nil && !update.RunWatermark.After(*dep.RunWatermark) {
		return false, nil
	}
	dep.Status = update.Status
	if update.StatusUpdatedAt.After(dep.StatusUpdatedAt) {
		dep.StatusUpdatedAt = update.StatusUpdatedAt
	}
	if update.RunWatermark != nil {
		w := *update.RunWatermark
		dep.RunWatermark = &w
	}
	dep.UpdatedAt = time.Now().UTC()
	r.deployments[update.DeploymentID] = dep
	return true, nil
}

func (r *Repository) DeleteTerminalDeploymentsBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, dep := range r.deployments {
		if dep.Status.Terminal() && dep.StatusUpdatedAt.Before(before) {
			delete(r.deployments, id)
			n++
		}
	}
	return n, nil
}

// GetUser implements repository.UserRepository.
func (r *Repository) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	user, err := r.users.Find(ctx, idKey(userID))
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *Repository) GetUserByLogin(_ context.Context, login string) (*domain.User, error) {
	for _, user := range r.users.all() {
		if strings.EqualFold(user.Login, login) {
			u := user
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Repository) UpdateNotificationSettings(ctx context.Context, userID int64, enabled bool, email string) error {
	user, err := r.users.Find(ctx, idKey(userID))
	if err != nil {
		return err
	}
	user.NotificationsEnabled = enabled
	user.NotificationEmail = email
	r.users.put(user)
	return nil
}

func (r *Repository) GetUserToken(_ context.Context, userID int64) (*domain.UserToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &token, nil
}

func (r *Repository) UpsertUserToken(_ context.Context, token domain.UserToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.UserID] = token
	return nil
}

// GetRepository implements repository.RepoRepository.
func (r *Repository) GetRepository(ctx context.Context, repositoryID int64) (*domain.Repository, error) {
	repo, err := r.repos.Find(ctx, idKey(repositoryID))
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetPreference implements repository.NotificationRepository.
func (r *Repository) GetPreference(_ context.Context, userID int64, kind domain.NotificationType) (*domain.NotificationPreference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pref, ok := r.prefs[prefKey{userID, kind}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &pref, nil
}

func (r *Repository) ListPreferences(_ context.Context, userID int64) ([]domain.NotificationPreference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.NotificationPreference, 0)
	for key, pref := range r.prefs {
		if key.userID == userID {
			out = append(out, pref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (r *Repository) UpsertPreference(_ context.Context, pref domain.NotificationPreference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pref.UpdatedAt = time.Now().UTC()
	r.prefs[prefKey{pref.UserID, pref.Type}] = pref
	return nil
}

func (r *Repository) EnsurePreferences(_ context.Context, userID int64, kinds []domain.NotificationType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range kinds {
		key := prefKey{userID, kind}
		if _, ok := r.prefs[key]; ok {
			continue
		}
		r.prefs[key] = domain.NotificationPreference{UserID: userID, Type: kind, Enabled: true, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

// MarkDelivery implements repository.DeliveryRepository.
func (r *Repository) MarkDelivery(_ context.Context, deliveryID string, receivedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deliveries[deliveryID]; ok {
		return false, nil
	}
	r.deliveries[deliveryID] = receivedAt
	return true, nil
}

// ForgetDelivery implements repository.DeliveryRepository.
func (r *Repository) ForgetDelivery(_ context.Context, deliveryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deliveries, deliveryID)
	return nil
}

func (r *Repository) PruneDeliveries(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, at := range r.deliveries {
		if at.Before(before) {
			delete(r.deliveries, id)
			n++
		}
	}
	return n, nil
}

// environmentStore syncs only the upstream-owned environment columns.
type environmentStore struct {
	repo *Repository
}

func (s environmentStore) Find(_ context.Context, key string) (domain.Environment, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return domain.Environment{}, repository.ErrInvalidArgument
	}
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	env, ok := s.repo.environments[id]
	if !ok {
		return domain.Environment{}, repository.ErrNotFound
	}
	return env, nil
}

func (s environmentStore) Insert(_ context.Context, row domain.Environment) error {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	if _, ok := s.repo.environments[row.ID]; ok {
		return repository.ErrConflict
	}
	s.repo.environments[row.ID] = row
	return nil
}

func (s environmentStore) UpdateIfNewer(_ context.Context, row domain.Environment) (bool, error) {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	stored, ok := s.repo.environments[row.ID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !row.UpdatedAt.After(stored.UpdatedAt) {
		return false, nil
	}
	stored.Name = row.Name
	stored.RepositoryID = row.RepositoryID
	stored.UpdatedAt = row.UpdatedAt
	s.repo.environments[row.ID] = stored
	return true, nil
}

// table is a generic keyed store for synced rows.
type table[T repository.Synced] struct {
	mu       sync.RWMutex
	key      func(T) string
	preserve func(stored, incoming T) T
	rows     map[string]T
}

func newTable[T repository.Synced](key func(T) string, preserve func(stored, incoming T) T) *table[T] {
	return &table[T]{key: key, preserve: preserve, rows: make(map[string]T)}
}

func (t *table[T]) Find(_ context.Context, key string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[key]
	if !ok {
		var zero T
		return zero, repository.ErrNotFound
	}
	return row, nil
}

func (t *table[T]) Insert(_ context.Context, row T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.key(row)
	if _, ok := t.rows[key]; ok {
		return repository.ErrConflict
	}
	t.rows[key] = row
	return nil
}

func (t *table[T]) UpdateIfNewer(_ context.Context, row T) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.key(row)
	stored, ok := t.rows[key]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !row.Watermark().After(stored.Watermark()) {
		return false, nil
	}
	if t.preserve != nil {
		row = t.preserve(stored, row)
	}
	t.rows[key] = row
	return true, nil
}

func (t *table[T]) put(row T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[t.key(row)] = row
}

func (t *table[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

func (t *table[T]) all() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row)
	}
	return out
}
