package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"cadence/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	// Dispatcher tuning
	DispatcherWorkers    int `json:"dispatcher_workers"`
	TickIntervalSecs     int `json:"tick_interval_secs"`
	ClaimTimeoutSecs     int `json:"claim_timeout_secs"`
	TransientBackoffSecs int `json:"transient_backoff_secs"`
	ExecutorTimeoutSecs  int `json:"executor_timeout_secs"`
	CatalogCacheTTLSecs  int `json:"catalog_cache_ttl_secs"`

	// External collaborators
	SMTP           SMTPConfig `json:"smtp"`
	CRMBaseURL     string     `json:"crm_base_url"`
	CRMAPIKey      string     `json:"-"`
	TaskServiceURL string     `json:"task_service_url"`
	TaskAPIKey     string     `json:"-"`

	SentryDSN string      `json:"-"`
	Redis     RedisConfig `json:"redis"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "cadence"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		DispatcherWorkers:    getEnvAsInt("DISPATCHER_WORKERS", 2),
		TickIntervalSecs:     getEnvAsInt("TICK_INTERVAL_SECS", 30),
		ClaimTimeoutSecs:     getEnvAsInt("CLAIM_TIMEOUT_SECS", 600),
		TransientBackoffSecs: getEnvAsInt("TRANSIENT_BACKOFF_SECS", 300),
		ExecutorTimeoutSecs:  getEnvAsInt("EXECUTOR_TIMEOUT_SECS", 30),
		CatalogCacheTTLSecs:  getEnvAsInt("CATALOG_CACHE_TTL_SECS", 60),

		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", "localhost"),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("FROM_EMAIL", "outreach@example.com"),
			FromName:  getEnv("FROM_NAME", "Outreach"),
		},
		CRMBaseURL:     getEnv("CRM_BASE_URL", "http://localhost:4000"),
		CRMAPIKey:      getEnv("CRM_API_KEY", ""),
		TaskServiceURL: getEnv("TASK_SERVICE_URL", "http://localhost:4100"),
		TaskAPIKey:     getEnv("TASK_SERVICE_API_KEY", ""),

		SentryDSN: getEnv("SENTRY_DSN", ""),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.TickIntervalSecs <= 0 {
		return fmt.Errorf("TICK_INTERVAL_SECS must be positive")
	}
	if AppConfig.Environment == "production" && AppConfig.SMTP.Username == "" {
		return fmt.Errorf("SMTP credentials are required in production")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Dispatcher: %d workers, tick every %ds",
		AppConfig.DispatcherWorkers,
		AppConfig.TickIntervalSecs)
	log.Printf("Redis cache enabled: %t", AppConfig.Redis.Enabled)
}

// TickInterval returns the dispatcher poll interval as a duration
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSecs) * time.Second
}

// ClaimTimeout returns how long a processing claim may go stale
func (c Config) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutSecs) * time.Second
}

// TransientBackoff returns the retry delay after a transient failure
func (c Config) TransientBackoff() time.Duration {
	return time.Duration(c.TransientBackoffSecs) * time.Second
}

// ExecutorTimeout bounds a single executor invocation
func (c Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.ExecutorTimeoutSecs) * time.Second
}
