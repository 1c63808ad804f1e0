package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	GCP          GCPConfig
	BigQuery     BigQueryConfig
	PubSub       PubSubConfig
	ClickHouse   ClickHouseConfig
	Kafka        KafkaConfig
	EventStore   EventStoreConfig
	Cache        CacheConfig
	Engine       EngineConfig
	Scheduler    SchedulerConfig
	Catalog      CatalogConfig
	HTTP         HTTPConfig
	RateLimit    RateLimitConfig
	Eventing     EventingConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if _, err := cfg.Engine.Policy(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PULSE_APP_ENV" required:"true"`
	Port         string `envconfig:"PULSE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"PULSE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PULSE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PULSE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"PULSE_DB_DSN"`
	Driver string `envconfig:"PULSE_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"PULSE_DB_HOST"`
	Port     int    `envconfig:"PULSE_DB_PORT" default:"5432"`
	User     string `envconfig:"PULSE_DB_USER"`
	Password string `envconfig:"PULSE_DB_PASSWORD"`
	Name     string `envconfig:"PULSE_DB_NAME"`
	SSLMode  string `envconfig:"PULSE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PULSE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PULSE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PULSE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PULSE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"PULSE_DB_SLOW_QUERY" default:"500ms"`
}

// IsSQLite reports whether the embedded sqlite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"PULSE_REDIS_URL"`
	Address      string        `envconfig:"PULSE_REDIS_ADDR"`
	Password     string        `envconfig:"PULSE_REDIS_PASSWORD"`
	DB           int           `envconfig:"PULSE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PULSE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PULSE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PULSE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PULSE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PULSE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PULSE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"PULSE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PULSE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type BigQueryConfig struct {
	Dataset         string `envconfig:"PULSE_BIGQUERY_DATASET" default:"pulse"`
	EventsTable     string `envconfig:"PULSE_BIGQUERY_EVENTS_TABLE" default:"events"`
	CreateTable     bool   `envconfig:"PULSE_BIGQUERY_CREATE_TABLE" default:"false"`
	MaxBytesBilled  int64  `envconfig:"PULSE_BIGQUERY_MAX_BYTES_BILLED" default:"0"`
	InsertBatchSize int    `envconfig:"PULSE_BIGQUERY_INSERT_BATCH_SIZE" default:"500"`
}

type PubSubConfig struct {
	ComputeTopic        string `envconfig:"PULSE_PUBSUB_COMPUTE_TOPIC" default:"pulse-compute-requests"`
	ComputeSubscription string `envconfig:"PULSE_PUBSUB_COMPUTE_SUBSCRIPTION" default:"pulse-compute-worker"`
	MaxOutstanding      int    `envconfig:"PULSE_PUBSUB_MAX_OUTSTANDING" default:"4"`
}

type ClickHouseConfig struct {
	Addr            []string      `envconfig:"PULSE_CLICKHOUSE_ADDR" default:"localhost:9000"`
	Database        string        `envconfig:"PULSE_CLICKHOUSE_DATABASE" default:"analytics"`
	User            string        `envconfig:"PULSE_CLICKHOUSE_USER" default:"default"`
	Password        string        `envconfig:"PULSE_CLICKHOUSE_PASSWORD"`
	EventsTable     string        `envconfig:"PULSE_CLICKHOUSE_EVENTS_TABLE" default:"events"`
	UseTLS          bool          `envconfig:"PULSE_CLICKHOUSE_TLS" default:"false"`
	MaxOpenConns    int           `envconfig:"PULSE_CLICKHOUSE_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"PULSE_CLICKHOUSE_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"PULSE_CLICKHOUSE_CONN_MAX_LIFETIME" default:"1h"`
	DialTimeout     time.Duration `envconfig:"PULSE_CLICKHOUSE_DIAL_TIMEOUT" default:"5s"`
}

type KafkaConfig struct {
	Brokers        []string      `envconfig:"PULSE_KAFKA_BROKERS"`
	CommittedTopic string        `envconfig:"PULSE_KAFKA_COMMITTED_TOPIC" default:"pulse.aggregates.committed"`
	WriteTimeout   time.Duration `envconfig:"PULSE_KAFKA_WRITE_TIMEOUT" default:"2s"`
}

// Enabled reports whether at least one broker is configured.
func (k KafkaConfig) Enabled() bool {
	for _, broker := range k.Brokers {
		if strings.TrimSpace(broker) != "" {
			return true
		}
	}
	return false
}

type EventStoreConfig struct {
	Backend  string `envconfig:"PULSE_EVENT_STORE" default:"sql"`
	SeedPath string `envconfig:"PULSE_EVENT_STORE_SEED"`
}

type CacheConfig struct {
	Backend string        `envconfig:"PULSE_CACHE_BACKEND" default:"redis"`
	TTL     time.Duration `envconfig:"PULSE_CACHE_TTL" default:"0"`
}

type EngineConfig struct {
	BottleneckThreshold float64       `envconfig:"PULSE_ENGINE_BOTTLENECK_THRESHOLD" default:"50"`
	CohortGrain         string        `envconfig:"PULSE_ENGINE_COHORT_GRAIN" default:"week"`
	RetentionPeriods    int           `envconfig:"PULSE_ENGINE_RETENTION_PERIODS" default:"12"`
	ChurnCutPoints      string        `envconfig:"PULSE_ENGINE_CHURN_CUT_POINTS" default:"40,70,90"`
	ScoringPeriod       time.Duration `envconfig:"PULSE_ENGINE_SCORING_PERIOD" default:"168h"`
	FunnelShards        int           `envconfig:"PULSE_ENGINE_FUNNEL_SHARDS" default:"8"`
}

// Policy is the validated, typed form of the engine tuning knobs.
type Policy struct {
	BottleneckThreshold float64
	CohortGrain         enums.CohortGrain
	RetentionPeriods    int
	ChurnCutPoints      [3]float64
	ScoringPeriod       time.Duration
	FunnelShards        int
}

// DefaultPolicy mirrors the defaults declared on EngineConfig.
func DefaultPolicy() Policy {
	return Policy{
		BottleneckThreshold: 50,
		CohortGrain:         enums.CohortGrainWeek,
		RetentionPeriods:    12,
		ChurnCutPoints:      [3]float64{40, 70, 90},
		ScoringPeriod:       7 * 24 * time.Hour,
		FunnelShards:        8,
	}
}

// Policy parses and validates the engine settings.
func (e EngineConfig) Policy() (Policy, error) {
	policy := DefaultPolicy()

	if e.BottleneckThreshold < 0 || e.BottleneckThreshold > 100 {
		return Policy{}, fmt.Errorf("%s must be within [0,100], got %v", EnvEngineBottleneckThreshold, e.BottleneckThreshold)
	}
	policy.BottleneckThreshold = e.BottleneckThreshold

	if strings.TrimSpace(e.CohortGrain) != "" {
		grain, err := enums.ParseCohortGrain(strings.ToLower(strings.TrimSpace(e.CohortGrain)))
		if err != nil {
			return Policy{}, fmt.Errorf("%s: %w", EnvEngineCohortGrain, err)
		}
		policy.CohortGrain = grain
	}

	if e.RetentionPeriods > 0 {
		policy.RetentionPeriods = e.RetentionPeriods
	}

	if strings.TrimSpace(e.ChurnCutPoints) != "" {
		cuts, err := ParseCutPoints(e.ChurnCutPoints)
		if err != nil {
			return Policy{}, fmt.Errorf("%s: %w", EnvEngineChurnCutPoints, err)
		}
		policy.ChurnCutPoints = cuts
	}

	if e.ScoringPeriod > 0 {
		policy.ScoringPeriod = e.ScoringPeriod
	}
	if e.FunnelShards > 0 {
		policy.FunnelShards = e.FunnelShards
	}
	return policy, nil
}

// ParseCutPoints parses "low,high,critical" thresholds; they must be strictly increasing within (0,100].
func ParseCutPoints(raw string) ([3]float64, error) {
	var cuts [3]float64
	parts := strings.Split(raw, ",")
	if len(parts) != len(cuts) {
		return cuts, fmt.Errorf("expected 3 cut points, got %d", len(parts))
	}
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return cuts, fmt.Errorf("cut point %q: %w", part, err)
		}
		if value <= 0 || value > 100 {
			return cuts, fmt.Errorf("cut point %v out of range", value)
		}
		if i > 0 && value <= cuts[i-1] {
			return cuts, fmt.Errorf("cut points must be increasing")
		}
		cuts[i] = value
	}
	return cuts, nil
}

type SchedulerConfig struct {
	Interval time.Duration `envconfig:"PULSE_SCHEDULER_INTERVAL" default:"1h"`
	LockTTL  time.Duration `envconfig:"PULSE_SCHEDULER_LOCK_TTL" default:"2h"`
	// LedgerRetention bounds how long finished runs stay in compute_runs.
	LedgerRetention time.Duration `envconfig:"PULSE_SCHEDULER_LEDGER_RETENTION" default:"720h"`
}

type CatalogConfig struct {
	Path string `envconfig:"PULSE_CATALOG_PATH" default:"catalog.yaml"`
}

type HTTPConfig struct {
	CORSOrigins     []string      `envconfig:"PULSE_CORS_ORIGINS" default:"http://localhost:3000"`
	ReadTimeout     time.Duration `envconfig:"PULSE_HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"PULSE_HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"PULSE_HTTP_SHUTDOWN_TIMEOUT" default:"20s"`
}

// RateLimitConfig throttles run submissions per client address.
type RateLimitConfig struct {
	RunsWindow time.Duration `envconfig:"PULSE_RATE_LIMIT_RUNS_WINDOW" default:"1m"`
	RunsLimit  int           `envconfig:"PULSE_RATE_LIMIT_RUNS_LIMIT" default:"30"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"PULSE_EVENTING_IDEMPOTENCY_TTL" default:"168h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PULSE_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		db.DSN = "file:pulse.db?cache=shared"
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
