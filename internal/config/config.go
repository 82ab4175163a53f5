package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultBranchPattern extracts a request reference from a branch name such as
// "feature/sol-1a2b3c4d-add-login" or "cr_0f8e...". The reference is either the
// 8-hex code suffix or a full UUID, and must end at a non-alphanumeric boundary.
const DefaultBranchPattern = `(?i)(?:^|[^0-9a-z])(?:sol|solicitud|cr)[-/_]([0-9a-f]{8}(?:-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})?)(?:$|[^0-9a-z])`

// Config aggregates runtime configuration for the service.
type Config struct {
	App           AppConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	Logger        LoggerConfig
	Auth          AuthConfig
	Notification  NotificationConfig
	SourceControl SourceControlConfig
	Sync          SyncConfig
	Idempotency   IdempotencyConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines bearer token parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	// DevUsers seeds the in-memory user table when Postgres is not configured.
	DevUsers []DevUser
}

// DevUser is one AUTH_DEV_USERS entry, written as "id:ROLE" or "id:ROLE:Display Name".
type DevUser struct {
	ID   string
	Role string
	Name string
}

// NotificationConfig holds stub notification endpoints.
type NotificationConfig struct {
	EmailFrom  string
	WebhookURL string
}

// SourceControlConfig selects and configures the source-control provider.
type SourceControlConfig struct {
	Provider       string
	GitHubToken    string
	GitHubOwner    string
	GitHubRepo     string
	GitHubBaseURL  string
	TimeoutSeconds int
}

// SyncConfig drives the background source-control poller.
type SyncConfig struct {
	Enabled             bool
	IntervalSeconds     int
	CycleTimeoutSeconds int
	ActorID             string
	BranchPattern       string
	LockTTLSeconds      int
}

// IdempotencyConfig controls how long idempotency keys are remembered.
type IdempotencyConfig struct {
	TTLMinutes int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	devUsers, err := parseDevUsers(os.Getenv("AUTH_DEV_USERS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "change-request-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			DevUsers:              devUsers,
		},
		Notification: NotificationConfig{
			EmailFrom:  getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
		SourceControl: SourceControlConfig{
			Provider:       strings.ToLower(getEnv("SCM_PROVIDER", "github")),
			GitHubToken:    os.Getenv("SCM_GITHUB_TOKEN"),
			GitHubOwner:    os.Getenv("SCM_GITHUB_OWNER"),
			GitHubRepo:     os.Getenv("SCM_GITHUB_REPO"),
			GitHubBaseURL:  getEnv("SCM_GITHUB_BASE_URL", "https://api.github.com"),
			TimeoutSeconds: getEnvAsInt("SCM_TIMEOUT_SECONDS", 15),
		},
		Sync: SyncConfig{
			Enabled:             getEnvAsBool("SYNC_ENABLED", false),
			IntervalSeconds:     getEnvAsInt("SYNC_INTERVAL_SECONDS", 30),
			CycleTimeoutSeconds: getEnvAsInt("SYNC_CYCLE_TIMEOUT_SECONDS", 20),
			ActorID:             getEnv("SYNC_ACTOR_ID", ""),
			BranchPattern:       getEnv("SYNC_BRANCH_PATTERN", DefaultBranchPattern),
			LockTTLSeconds:      getEnvAsInt("SYNC_LOCK_TTL_SECONDS", 60),
		},
		Idempotency: IdempotencyConfig{
			TTLMinutes: getEnvAsInt("IDEMPOTENCY_TTL_MINUTES", 24*60),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Sync.Enabled {
		if c.Sync.IntervalSeconds <= 0 {
			return fmt.Errorf("SYNC_INTERVAL_SECONDS must be positive")
		}
		if strings.TrimSpace(c.Sync.ActorID) == "" {
			return fmt.Errorf("SYNC_ACTOR_ID is required when SYNC_ENABLED is set")
		}
		if c.SourceControl.Provider == "github" && (c.SourceControl.GitHubOwner == "" || c.SourceControl.GitHubRepo == "") {
			return fmt.Errorf("SCM_GITHUB_OWNER and SCM_GITHUB_REPO are required when sync is enabled")
		}
	}
	if _, err := regexp.Compile(c.Sync.BranchPattern); err != nil {
		return fmt.Errorf("invalid SYNC_BRANCH_PATTERN: %w", err)
	}
	return nil
}

func parseDevUsers(raw string) ([]DevUser, error) {
	var out []DevUser
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("invalid AUTH_DEV_USERS entry %q, want id:ROLE[:name]", entry)
		}
		u := DevUser{ID: strings.TrimSpace(parts[0]), Role: strings.ToUpper(strings.TrimSpace(parts[1]))}
		u.Name = u.ID
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			u.Name = strings.TrimSpace(parts[2])
		}
		out = append(out, u)
	}
	return out, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the per-call timeout for provider requests.
func (s SourceControlConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Interval returns the polling period.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// CycleTimeout bounds a single synchronization cycle.
func (s SyncConfig) CycleTimeout() time.Duration {
	if s.CycleTimeoutSeconds <= 0 {
		return s.Interval()
	}
	return time.Duration(s.CycleTimeoutSeconds) * time.Second
}

// LockTTL is how long a cross-replica poll lock is held at most.
func (s SyncConfig) LockTTL() time.Duration {
	if s.LockTTLSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(s.LockTTLSeconds) * time.Second
}

// TTL returns the idempotency key retention.
func (i IdempotencyConfig) TTL() time.Duration {
	if i.TTLMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(i.TTLMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
