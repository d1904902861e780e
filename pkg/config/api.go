package config

import (
	"strings"
	"time"
)

// Deployment stages recognised by the notification gate.
const (
	StageProduction  = "production"
	StageStaging     = "staging"
	StageDevelopment = "development"
)

// APIConfig holds runtime configuration for the Helios service.
type APIConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	LogLevel      string

	GitHubAPIURL         string
	GitHubAppID          string
	GitHubPrivateKey     string
	GitHubPrivateKeyPath string
	GitHubInstallationID int64
	GitHubTimeout        time.Duration
	DeployWorkflowFile   string

	WebhookSecret      string
	WebhookStream      string
	WebhookGroup       string
	WebhookWorkers     int
	WebhookQueueSize   int
	WebhookDedupeTTL   time.Duration
	TokenEncryptionKey string

	RedisAddr string
	RedisPass string
	RedisDB   int

	StatusCheckInterval    time.Duration
	StatusCheckTimeout     time.Duration
	StatusCheckConcurrency int
	StatusHistoryLimit     int

	LockSweepInterval      time.Duration
	DefaultLockExpiration  int
	DefaultLockReservation int
	RetentionInterval      time.Duration
	RetentionPeriod        time.Duration

	NotifyStaleness time.Duration
	DeploymentStage string
	NotifyAllowlist []string
	RateLimitPerMin int
}

// LoadAPIConfig constructs an APIConfig from environment variables and any file loaded
// with LoadFile.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://helios:helios@db:5432/helios?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		LogLevel:      GetString("LOG_LEVEL", "info"),

		GitHubAPIURL:         GetString("GITHUB_API_URL", "https://api.github.com"),
		GitHubAppID:          GetString("GITHUB_APP_ID", ""),
		GitHubPrivateKey:     GetString("GITHUB_APP_PRIVATE_KEY", ""),
		GitHubPrivateKeyPath: GetString("GITHUB_APP_PRIVATE_KEY_PATH", ""),
		GitHubInstallationID: int64(GetInt("GITHUB_INSTALLATION_ID", 0)),
		GitHubTimeout:        GetDuration("GITHUB_TIMEOUT_SECONDS", 10, time.Second),
		DeployWorkflowFile:   GetString("DEPLOY_WORKFLOW_FILE", "deploy.yml"),

		WebhookSecret:      GetString("GIT_WEBHOOK_SECRET", ""),
		WebhookStream:      GetString("WEBHOOK_STREAM", ""),
		WebhookGroup:       GetString("WEBHOOK_GROUP", "helios"),
		WebhookWorkers:     GetInt("WEBHOOK_WORKERS", 8),
		WebhookQueueSize:   GetInt("WEBHOOK_QUEUE_SIZE", 256),
		WebhookDedupeTTL:   GetDuration("WEBHOOK_DEDUPE_TTL_SECONDS", 86400, time.Second),
		TokenEncryptionKey: GetString("TOKEN_ENCRYPTION_KEY", "supersecuresecret"),

		RedisAddr: GetString("REDIS_ADDR", ""),
		RedisPass: GetString("REDIS_PASSWORD", ""),
		RedisDB:   GetInt("REDIS_DB", 0),

		StatusCheckInterval:    GetDuration("STATUS_CHECK_INTERVAL_SECONDS", 60, time.Second),
		StatusCheckTimeout:     GetDuration("STATUS_CHECK_TIMEOUT_SECONDS", 5, time.Second),
		StatusCheckConcurrency: GetInt("STATUS_CHECK_CONCURRENCY", 8),
		StatusHistoryLimit:     GetInt("STATUS_HISTORY_LIMIT", 20),

		LockSweepInterval:      GetDuration("LOCK_SWEEP_INTERVAL_SECONDS", 60, time.Second),
		DefaultLockExpiration:  GetInt("DEFAULT_LOCK_EXPIRATION_MINUTES", 60),
		DefaultLockReservation: GetInt("DEFAULT_LOCK_RESERVATION_MINUTES", 30),
		RetentionInterval:      GetDuration("RETENTION_INTERVAL_MINUTES", 60, time.Minute),
		RetentionPeriod:        GetDuration("RETENTION_DAYS", 90, 24*time.Hour),

		NotifyStaleness: GetDuration("NOTIFY_STALENESS_SECONDS", 60, time.Second),
		DeploymentStage: strings.ToLower(GetString("DEPLOYMENT_STAGE", StageProduction)),
		NotifyAllowlist: GetList("NOTIFY_ALLOWLIST", nil),
		RateLimitPerMin: GetInt("RATE_LIMIT_PER_MINUTE", 120),
	}
}

// RestrictedStage reports whether notifications are limited to the allow-list.
func (c APIConfig) RestrictedStage() bool {
	return c.DeploymentStage != StageProduction
}
