package config

const (
	EnvPrefix = "PULSE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	EventStoreSQL        = "sql"
	EventStoreClickHouse = "clickhouse"
	EventStoreBigQuery   = "bigquery"
	EventStoreMemory     = "memory"

	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
	CacheBackendSQL    = "sql"
)

const (
	EnvAppEnv   = "PULSE_APP_ENV"
	EnvPort     = "PULSE_APP_PORT"
	EnvLogLevel = "PULSE_LOG_LEVEL"

	EnvDBDSN    = "PULSE_DB_DSN"
	EnvDBDriver = "PULSE_DB_DRIVER"
	EnvDBHost   = "PULSE_DB_HOST"
	EnvDBUser   = "PULSE_DB_USER"
	EnvDBName   = "PULSE_DB_NAME"

	EnvRedisURL = "PULSE_REDIS_URL"

	EnvGCPProjectID = "PULSE_GCP_PROJECT_ID"

	EnvClickHouseAddr = "PULSE_CLICKHOUSE_ADDR"
	EnvKafkaBrokers   = "PULSE_KAFKA_BROKERS"

	EnvEventStore   = "PULSE_EVENT_STORE"
	EnvCacheBackend = "PULSE_CACHE_BACKEND"

	EnvEngineBottleneckThreshold = "PULSE_ENGINE_BOTTLENECK_THRESHOLD"
	EnvEngineCohortGrain         = "PULSE_ENGINE_COHORT_GRAIN"
	EnvEngineRetentionPeriods    = "PULSE_ENGINE_RETENTION_PERIODS"
	EnvEngineChurnCutPoints      = "PULSE_ENGINE_CHURN_CUT_POINTS"
	EnvEngineScoringPeriod       = "PULSE_ENGINE_SCORING_PERIOD"
	EnvEngineFunnelShards        = "PULSE_ENGINE_FUNNEL_SHARDS"

	EnvSchedulerInterval = "PULSE_SCHEDULER_INTERVAL"
	EnvCatalogPath       = "PULSE_CATALOG_PATH"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
