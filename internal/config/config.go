package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"sitepatrol/internal/apperr"
)

// Server modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

const envPrefix = "SITEPATROL_"

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// Mode selects the surfaces: http (REST and /mcp), mcp (stdio only) or both.
	Mode string
	// RunRate limits manual run requests per second; zero disables the limit.
	RunRate  float64
	RunBurst int
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
	// Retention is the number of finished executions kept per task.
	Retention int
}

// PoolConfig sizes the browser pool.
type PoolConfig struct {
	Size           int
	Headless       bool
	Install        bool
	LaunchTimeout  time.Duration
	AcquireTimeout time.Duration
}

// QueueConfig sizes the task queue.
type QueueConfig struct {
	Workers int
}

// CheckConfig tunes page checks.
type CheckConfig struct {
	NavigationTimeout time.Duration
	UserAgent         string
	RatePerSecond     float64
	Burst             int
}

// ScheduleConfig holds scheduler defaults.
type ScheduleConfig struct {
	DefaultTimeZone string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// SMTPConfig holds outgoing mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark            BarkConfig
	SMTP            SMTPConfig
	NotifyOnSuccess bool
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Pool         PoolConfig
	Queue        QueueConfig
	Check        CheckConfig
	Schedule     ScheduleConfig
	Notification NotificationConfig

	StateDir      string
	SeedFile      string
	ShutdownGrace time.Duration
}

const (
	defaultAddr           = "127.0.0.1:7080"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultRetention      = 50
	defaultPoolSize       = 2
	defaultLaunchTimeout  = 30 * time.Second
	defaultAcquireTimeout = 2 * time.Minute
	defaultWorkers        = 1
	defaultNavTimeout     = 30 * time.Second
	defaultShutdownGrace  = 10 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads the process flags. See ParseArgs.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs builds the Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func ParseArgs(args []string) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "sitepatrol", ".env"))
	}
	for _, f := range envFiles {
		// Missing files are fine; godotenv never overrides set variables.
		_ = godotenv.Load(f)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
			Mode:      getEnvString("MODE", ModeHTTP),
			RunRate:   getEnvFloat("RUN_RATE", 1),
			RunBurst:  getEnvInt("RUN_BURST", 5),
		},
		Log: LogConfig{
			Level:     getEnvString("LOG_LEVEL", defaultLogLevel),
			Format:    getEnvString("LOG_FORMAT", defaultLogFormat),
			Retention: getEnvInt("RETENTION", defaultRetention),
		},
		Pool: PoolConfig{
			Size:           getEnvInt("POOL_SIZE", defaultPoolSize),
			Headless:       getEnvBool("HEADLESS", true),
			Install:        getEnvBool("INSTALL_BROWSERS", false),
			LaunchTimeout:  getEnvDuration("LAUNCH_TIMEOUT", defaultLaunchTimeout),
			AcquireTimeout: getEnvDuration("ACQUIRE_TIMEOUT", defaultAcquireTimeout),
		},
		Queue: QueueConfig{
			Workers: getEnvInt("WORKERS", defaultWorkers),
		},
		Check: CheckConfig{
			NavigationTimeout: getEnvDuration("NAVIGATION_TIMEOUT", defaultNavTimeout),
			UserAgent:         getEnvString("USER_AGENT", ""),
			RatePerSecond:     getEnvFloat("CHECK_RATE", 0),
			Burst:             getEnvInt("CHECK_BURST", 1),
		},
		Schedule: ScheduleConfig{
			DefaultTimeZone: getEnvString("TIME_ZONE", ""),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
			SMTP: SMTPConfig{
				Host:     getEnvString("SMTP_HOST", ""),
				Port:     getEnvInt("SMTP_PORT", 587),
				Username: getEnvString("SMTP_USERNAME", ""),
				Password: getEnvString("SMTP_PASSWORD", ""),
				From:     getEnvString("SMTP_FROM", ""),
			},
			NotifyOnSuccess: getEnvBool("NOTIFY_ON_SUCCESS", false),
		},
		StateDir:      getEnvString("STATE_DIR", ""),
		SeedFile:      getEnvString("SEED_FILE", ""),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("sitepatrold", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Server.Mode, "mode", cfg.Server.Mode, "Serving mode (http, mcp, both)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory to store the database")
	fs.StringVar(&cfg.SeedFile, "seed", cfg.SeedFile, "YAML file of patrol tasks to import at startup")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (text, json)")
	fs.IntVar(&cfg.Log.Retention, "retention", cfg.Log.Retention, "Number of finished executions to keep per task")
	fs.IntVar(&cfg.Pool.Size, "pool-size", cfg.Pool.Size, "Number of browser processes")
	fs.BoolVar(&cfg.Pool.Headless, "headless", cfg.Pool.Headless, "Run browsers headless")
	fs.BoolVar(&cfg.Pool.Install, "install-browsers", cfg.Pool.Install, "Download the playwright driver and Chromium on start")
	fs.IntVar(&cfg.Queue.Workers, "workers", cfg.Queue.Workers, "Number of patrols run concurrently")
	fs.StringVar(&cfg.Schedule.DefaultTimeZone, "time-zone", cfg.Schedule.DefaultTimeZone, "Time zone for schedules that do not set one")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Log.Retention < 0 {
		cfg.Log.Retention = defaultRetention
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	if c.Pool.Size < 1 {
		problems = append(problems, "pool size must be at least 1")
	}
	if c.Queue.Workers < 1 {
		problems = append(problems, "queue workers must be at least 1")
	}
	switch c.Server.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", c.Server.Mode))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}
	if c.Schedule.DefaultTimeZone != "" {
		if _, err := time.LoadLocation(c.Schedule.DefaultTimeZone); err != nil {
			problems = append(problems, fmt.Sprintf("invalid time zone %q", c.Schedule.DefaultTimeZone))
		}
	}
	if c.Pool.AcquireTimeout <= 0 {
		problems = append(problems, "acquire timeout must be positive")
	}
	if c.Check.RatePerSecond < 0 || c.Server.RunRate < 0 {
		problems = append(problems, "rates must not be negative")
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		problems = append(problems, "bark is enabled but no url is set")
	}
	if c.Notification.SMTP.Host != "" && c.Notification.SMTP.From == "" {
		problems = append(problems, "smtp host is set but no sender address")
	}
	if len(problems) > 0 {
		return apperr.Configuration("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "sitepatrol")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
