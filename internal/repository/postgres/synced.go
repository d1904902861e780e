package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
)

// syncTable stores one synced entity kind. find resolves the external key into query
// arguments; insert and update each return the statement and its arguments for a row.
// update statements must guard on the stored watermark so stale writes affect no rows.
type syncTable[T repository.Synced] struct {
	pool   queryer
	find   string
	scan   func(pgx.Row) (T, error)
	args   func(key string) ([]any, error)
	insert func(T) (string, []any)
	update func(T) (string, []any)
}

func (t syncTable[T]) Find(ctx context.Context, key string) (T, error) {
	var zero T
	args, err := t.args(key)
	if err != nil {
		return zero, err
	}
	row, err := t.scan(t.pool.QueryRow(ctx, t.find, args...))
	if err != nil {
		return zero, mapError(err)
	}
	return row, nil
}

func (t syncTable[T]) Insert(ctx context.Context, row T) error {
	query, args := t.insert(row)
	_, err := t.pool.Exec(ctx, query, args...)
	return mapError(err)
}

func (t syncTable[T]) UpdateIfNewer(ctx context.Context, row T) (bool, error) {
	query, args := t.update(row)
	tag, err := t.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func idArgs(key string) ([]any, error) {
	id, err := parseID(key)
	if err != nil {
		return nil, err
	}
	return []any{id}, nil
}

func textArgs(key string) ([]any, error) {
	return []any{key}, nil
}

// Repositories implements repository.SyncRepository.
func (r *Repository) Repositories() repository.SyncStore[domain.Repository] {
	return syncTable[domain.Repository]{
		pool: r.pool,
		find: `SELECT id, name, full_name, html_url, description, private, archived, default_branch,
			pushed_at, created_at, updated_at FROM repositories WHERE id = $1`,
		scan: func(row pgx.Row) (domain.Repository, error) {
			var repo domain.Repository
			err := row.Scan(&repo.ID, &repo.Name, &repo.FullName, &repo.HTMLURL, &repo.Description,
				&repo.Private, &repo.Archived, &repo.DefaultBranch, &repo.PushedAt, &repo.CreatedAt, &repo.UpdatedAt)
			return repo, err
		},
		args: idArgs,
		insert: func(repo domain.Repository) (string, []any) {
			return `INSERT INTO repositories (id, name, full_name, html_url, description, private, archived,
				default_branch, pushed_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				[]any{repo.ID, repo.Name, repo.FullName, repo.HTMLURL, repo.Description, repo.Private, repo.Archived,
					repo.DefaultBranch, timePtrToNil(repo.PushedAt), createdOrUpdated(repo.CreatedAt, repo.UpdatedAt), repo.UpdatedAt.UTC()}
		},
		update: func(repo domain.Repository) (string, []any) {
			return `UPDATE repositories SET name = $2, full_name = $3, html_url = $4, description = $5,
				private = $6, archived = $7, default_branch = $8, pushed_at = COALESCE($9, pushed_at), updated_at = $10
				WHERE id = $1 AND updated_at < $10`,
				[]any{repo.ID, repo.Name, repo.FullName, repo.HTMLURL, repo.Description, repo.Private, repo.Archived,
					repo.DefaultBranch, timePtrToNil(repo.PushedAt), repo.UpdatedAt.UTC()}
		},
	}
}

const userColumns = `id, login, name, email, avatar_url, html_url, type,
	notifications_enabled, notification_email, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var user domain.User
	err := row.Scan(&user.ID, &user.Login, &user.Name, &user.Email, &user.AvatarURL, &user.HTMLURL, &user.Type,
		&user.NotificationsEnabled, &user.NotificationEmail, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

// Users implements repository.SyncRepository. Notification settings are never written by sync.
func (r *Repository) Users() repository.SyncStore[domain.User] {
	return syncTable[domain.User]{
		pool: r.pool,
		find: `SELECT ` + userColumns + ` FROM users WHERE id = $1`,
		scan: scanUser,
		args: idArgs,
		insert: func(user domain.User) (string, []any) {
			return `INSERT INTO users (id, login, name, email, avatar_url, html_url, type, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				[]any{user.ID, user.Login, user.Name, user.Email, user.AvatarURL, user.HTMLURL, user.Type,
					createdOrUpdated(user.CreatedAt, user.UpdatedAt), user.UpdatedAt.UTC()}
		},
		update: func(user domain.User) (string, []any) {
			return `UPDATE users SET login = $2, name = $3, email = $4, avatar_url = $5, html_url = $6,
				type = $7, updated_at = $8
				WHERE id = $1 AND updated_at < $8`,
				[]any{user.ID, user.Login, user.Name, user.Email, user.AvatarURL, user.HTMLURL, user.Type, user.UpdatedAt.UTC()}
		},
	}
}

// Branches implements repository.SyncRepository. Keys take the form "repositoryID:name".
func (r *Repository) Branches() repository.SyncStore[domain.Branch] {
	return syncTable[domain.Branch]{
		pool: r.pool,
		find: `SELECT repository_id, name, commit_sha, protected, updated_at
			FROM branches WHERE repository_id = $1 AND name = $2`,
		scan: func(row pgx.Row) (domain.Branch, error) {
			var branch domain.Branch
			err := row.Scan(&branch.RepositoryID, &branch.Name, &branch.CommitSHA, &branch.Protected, &branch.UpdatedAt)
			return branch, err
		},
		args: func(key string) ([]any, error) {
			repo, name, ok := strings.Cut(key, ":")
			if !ok || name == "" {
				return nil, repository.ErrInvalidArgument
			}
			id, err := parseID(repo)
			if err != nil {
				return nil, err
			}
			return []any{id, name}, nil
		},
		insert: func(branch domain.Branch) (string, []any) {
			return `INSERT INTO branches (repository_id, name, commit_sha, protected, updated_at)
				VALUES ($1, $2, $3, $4, $5)`,
				[]any{branch.RepositoryID, branch.Name, branch.CommitSHA, branch.Protected, branch.UpdatedAt.UTC()}
		},
		update: func(branch domain.Branch) (string, []any) {
			return `UPDATE branches SET commit_sha = $3, protected = $4, updated_at = $5
				WHERE repository_id = $1 AND name = $2 AND updated_at < $5`,
				[]any{branch.RepositoryID, branch.Name, branch.CommitSHA, branch.Protected, branch.UpdatedAt.UTC()}
		},
	}
}

// Commits implements repository.SyncRepository.
func (r *Repository) Commits() repository.SyncStore[domain.Commit] {
	return syncTable[domain.Commit]{
		pool: r.pool,
		find: `SELECT sha, repository_id, message, author_login, author_email, html_url, committed_at, updated_at
			FROM commits WHERE sha = $1`,
		scan: func(row pgx.Row) (domain.Commit, error) {
			var commit domain.Commit
			err := row.Scan(&commit.SHA, &commit.RepositoryID, &commit.Message, &commit.AuthorLogin,
				&commit.AuthorEmail, &commit.HTMLURL, &commit.CommittedAt, &commit.UpdatedAt)
			return commit, err
		},
		args: textArgs,
		insert: func(commit domain.Commit) (string, []any) {
			return `INSERT INTO commits (sha, repository_id, message, author_login, author_email, html_url, committed_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				[]any{commit.SHA, commit.RepositoryID, commit.Message, commit.AuthorLogin, commit.AuthorEmail,
					commit.HTMLURL, commit.CommittedAt.UTC(), commit.UpdatedAt.UTC()}
		},
		update: func(commit domain.Commit) (string, []any) {
			return `UPDATE commits SET message = $2, author_login = $3, author_email = $4, html_url = $5, updated_at = $6
				WHERE sha = $1 AND updated_at < $6`,
				[]any{commit.SHA, commit.Message, commit.AuthorLogin, commit.AuthorEmail, commit.HTMLURL, commit.UpdatedAt.UTC()}
		},
	}
}

// Labels implements repository.SyncRepository.
func (r *Repository) Labels() repository.SyncStore[domain.Label] {
	return syncTable[domain.Label]{
		pool: r.pool,
		find: `SELECT id, repository_id, name, color, description, updated_at FROM labels WHERE id = $1`,
		scan: func(row pgx.Row) (domain.Label, error) {
			var label domain.Label
			err := row.Scan(&label.ID, &label.RepositoryID, &label.Name, &label.Color, &label.Description, &label.UpdatedAt)
			return label, err
		},
		args: idArgs,
		insert: func(label domain.Label) (string, []any) {
			return `INSERT INTO labels (id, repository_id, name, color, description, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				[]any{label.ID, label.RepositoryID, label.Name, label.Color, label.Description, label.UpdatedAt.UTC()}
		},
		update: func(label domain.Label) (string, []any) {
			return `UPDATE labels SET name = $2, color = $3, description = $4, updated_at = $5
				WHERE id = $1 AND updated_at < $5`,
				[]any{label.ID, label.Name, label.Color, label.Description, label.UpdatedAt.UTC()}
		},
	}
}

const issueColumns = `id, repository_id, kind, number, title, body, state, html_url, author_id, label_ids,
	closed_at, draft, merged, merged_at, head_ref, head_sha, base_ref, created_at, updated_at`

func scanIssue(row pgx.Row) (domain.Issue, error) {
	var (
		issue   domain.Issue
		kind    string
		draft   *bool
		merged  *bool
		headRef *string
		headSHA *string
		baseRef *string
		mergeAt *time.Time
	)
	if err := row.Scan(&issue.ID, &issue.RepositoryID, &kind, &issue.Number, &issue.Title, &issue.Body,
		&issue.State, &issue.HTMLURL, &issue.AuthorID, &issue.LabelIDs, &issue.ClosedAt,
		&draft, &merged, &mergeAt, &headRef, &headSHA, &baseRef, &issue.CreatedAt, &issue.UpdatedAt); err != nil {
		return domain.Issue{}, err
	}
	issue.Kind = domain.IssueKind(kind)
	if issue.Kind == domain.IssueKindPullRequest {
		pr := &domain.PullRequestDetails{MergedAt: mergeAt}
		if draft != nil {
			pr.Draft = *draft
		}
		if merged != nil {
			pr.Merged = *merged
		}
		if headRef != nil {
			pr.HeadRef = *headRef
		}
		if headSHA != nil {
			pr.HeadSHA = *headSHA
		}
		if baseRef != nil {
			pr.BaseRef = *baseRef
		}
		issue.PullRequest = pr
	}
	return issue, nil
}

// pullRequestArgs flattens the PR variant into nullable column values.
func pullRequestArgs(issue domain.Issue) []any {
	pr := issue.PullRequest
	if issue.Kind != domain.IssueKindPullRequest || pr == nil {
		return []any{nil, nil, nil, nil, nil, nil}
	}
	return []any{pr.Draft, pr.Merged, timePtrToNil(pr.MergedAt), pr.HeadRef, pr.HeadSHA, pr.BaseRef}
}

func labelIDs(issue domain.Issue) []int64 {
	if issue.LabelIDs == nil {
		return []int64{}
	}
	return issue.LabelIDs
}

// Issues implements repository.SyncRepository for both issues and pull requests.
func (r *Repository) Issues() repository.SyncStore[domain.Issue] {
	return syncTable[domain.Issue]{
		pool: r.pool,
		find: `SELECT ` + issueColumns + ` FROM issues WHERE id = $1`,
		scan: scanIssue,
		args: idArgs,
		insert: func(issue domain.Issue) (string, []any) {
			args := []any{issue.ID, issue.RepositoryID, string(issue.Kind), issue.Number, issue.Title, issue.Body,
				issue.State, issue.HTMLURL, int64PtrToNil(issue.AuthorID), labelIDs(issue), timePtrToNil(issue.ClosedAt)}
			args = append(args, pullRequestArgs(issue)...)
			args = append(args, createdOrUpdated(issue.CreatedAt, issue.UpdatedAt), issue.UpdatedAt.UTC())
			return `INSERT INTO issues (` + issueColumns + `)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`, args
		},
		update: func(issue domain.Issue) (string, []any) {
			args := []any{issue.ID, string(issue.Kind), issue.Number, issue.Title, issue.Body, issue.State,
				issue.HTMLURL, int64PtrToNil(issue.AuthorID), labelIDs(issue), timePtrToNil(issue.ClosedAt)}
			args = append(args, pullRequestArgs(issue)...)
			args = append(args, issue.UpdatedAt.UTC())
			return `UPDATE issues SET kind = $2, number = $3, title = $4, body = $5, state = $6, html_url = $7,
				author_id = $8, label_ids = $9, closed_at = $10, draft = $11, merged = $12, merged_at = $13,
				head_ref = $14, head_sha = $15, base_ref = $16, updated_at = $17
				WHERE id = $1 AND updated_at < $17`, args
		},
	}
}

// Releases implements repository.SyncRepository.
func (r *Repository) Releases() repository.SyncStore[domain.Release] {
	return syncTable[domain.Release]{
		pool: r.pool,
		find: `SELECT id, repository_id, tag_name, name, body, draft, prerelease, author_id, published_at,
			created_at, updated_at FROM releases WHERE id = $1`,
		scan: func(row pgx.Row) (domain.Release, error) {
			var rel domain.Release
			err := row.Scan(&rel.ID, &rel.RepositoryID, &rel.TagName, &rel.Name, &rel.Body, &rel.Draft,
				&rel.Prerelease, &rel.AuthorID, &rel.PublishedAt, &rel.CreatedAt, &rel.UpdatedAt)
			return rel, err
		},
		args: idArgs,
		insert: func(rel domain.Release) (string, []any) {
			return `INSERT INTO releases (id, repository_id, tag_name, name, body, draft, prerelease, author_id,
				published_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				[]any{rel.ID, rel.RepositoryID, rel.TagName, rel.Name, rel.Body, rel.Draft, rel.Prerelease,
					int64PtrToNil(rel.AuthorID), timePtrToNil(rel.PublishedAt), createdOrUpdated(rel.CreatedAt, rel.UpdatedAt), rel.UpdatedAt.UTC()}
		},
		update: func(rel domain.Release) (string, []any) {
			return `UPDATE releases SET tag_name = $2, name = $3, body = $4, draft = $5, prerelease = $6,
				author_id = $7, published_at = $8, updated_at = $9
				WHERE id = $1 AND updated_at < $9`,
				[]any{rel.ID, rel.TagName, rel.Name, rel.Body, rel.Draft, rel.Prerelease,
					int64PtrToNil(rel.AuthorID), timePtrToNil(rel.PublishedAt), rel.UpdatedAt.UTC()}
		},
	}
}

// Environments implements repository.SyncRepository. Sync owns only name, repository and
// watermark; lock state and local settings are written through MutateEnvironment.
func (r *Repository) Environments() repository.SyncStore[domain.Environment] {
	return syncTable[domain.Environment]{
		pool: r.pool,
		find: `SELECT ` + environmentColumns + ` FROM environments WHERE id = $1`,
		scan: scanEnvironment,
		args: idArgs,
		insert: func(env domain.Environment) (string, []any) {
			envType := env.Type
			if !envType.Valid() {
				envType = domain.EnvironmentTypeTest
			}
			return `INSERT INTO environments (id, repository_id, name, type, enabled, description, server_url,
				status_check_type, status_url, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				[]any{env.ID, env.RepositoryID, env.Name, string(envType), env.Enabled, env.Description, env.ServerURL,
					checkTypeToNil(env.StatusCheckType), env.StatusURL, createdOrUpdated(env.CreatedAt, env.UpdatedAt), env.UpdatedAt.UTC()}
		},
		update: func(env domain.Environment) (string, []any) {
			return `UPDATE environments SET name = $2, repository_id = $3, updated_at = $4
				WHERE id = $1 AND updated_at < $4`,
				[]any{env.ID, env.Name, env.RepositoryID, env.UpdatedAt.UTC()}
		},
	}
}

func createdOrUpdated(created, updated time.Time) time.Time {
	if created.IsZero() {
		return updated.UTC()
	}
	return created.UTC()
}
