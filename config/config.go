package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, read from the process environment
// (optionally seeded from a .env file).
type Config struct {
	Port           string   `env:"PORT" envDefault:"5200"`
	RealtimeAddr   string   `env:"REALTIME_ADDR" envDefault:":5201"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	GatewayToken   string   `env:"GAME_SERVICE_TOKEN,required"`

	// postgres | memory
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`

	TokenSecret    string `env:"SESSION_TOKEN_SECRET,required"`
	AuthServiceURL string `env:"AUTH_SERVICE_URL"`

	Session     SessionConfig     `envPrefix:"SESSION_"`
	AntiCheat   AntiCheatConfig   `envPrefix:"ANTICHEAT_"`
	Combat      CombatConfig      `envPrefix:"COMBAT_"`
	Leaderboard LeaderboardConfig `envPrefix:"LEADERBOARD_"`
	Scheduler   SchedulerConfig   `envPrefix:"SCHEDULER_"`
	Writer      WriterConfig      `envPrefix:"WRITER_"`
	Sync        SyncConfig        `envPrefix:"SYNC_"`
	R2          R2Config
}

type SessionConfig struct {
	TTL           time.Duration `env:"TTL" envDefault:"2h"`
	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	MaxLevelJump  int           `env:"MAX_LEVEL_JUMP" envDefault:"5"`
	GoldTolerance int           `env:"GOLD_TOLERANCE" envDefault:"10"`
	KillTolerance int           `env:"KILL_TOLERANCE" envDefault:"5"`
	// How long ended sessions are kept around for lookups before being forgotten.
	Retention time.Duration `env:"RETENTION" envDefault:"2h"`
}

type AntiCheatConfig struct {
	Window               time.Duration `env:"WINDOW" envDefault:"60s"`
	ScoreSubmissionLimit int           `env:"SCORE_SUBMISSION_LIMIT" envDefault:"5"`
	LevelUpdateLimit     int           `env:"LEVEL_UPDATE_LIMIT" envDefault:"20"`
	GameActionLimit      int           `env:"GAME_ACTION_LIMIT" envDefault:"30"`
	BanDuration          time.Duration `env:"BAN_DURATION" envDefault:"180s"`
	WarningReset         time.Duration `env:"WARNING_RESET" envDefault:"1h"`
	MaxScoreJump         int           `env:"MAX_SCORE_JUMP" envDefault:"3"`
	MinTimePerLevel      time.Duration `env:"MIN_TIME_PER_LEVEL" envDefault:"5s"`
	SuspiciousThreshold  int           `env:"SUSPICIOUS_THRESHOLD" envDefault:"5"`
	StateRetention       time.Duration `env:"STATE_RETENTION" envDefault:"1h"`
}

type CombatConfig struct {
	PlayerHealth    int     `env:"PLAYER_HEALTH" envDefault:"1000"`
	PlayerDamage    int     `env:"PLAYER_DAMAGE" envDefault:"200"`
	CritChance      float64 `env:"CRIT_CHANCE" envDefault:"0.01"`
	CritMultiplier  float64 `env:"CRIT_MULTIPLIER" envDefault:"0.5"`
	MaxCritChance   float64 `env:"MAX_CRIT_CHANCE" envDefault:"0.5"`
	EnemyBaseHealth int     `env:"ENEMY_BASE_HEALTH" envDefault:"400"`
	EnemyBaseDamage int     `env:"ENEMY_BASE_DAMAGE" envDefault:"100"`
	GoldReward      int     `env:"GOLD_REWARD" envDefault:"5"`
	BossGoldReward  int     `env:"BOSS_GOLD_REWARD" envDefault:"20"`
	HealCost        int     `env:"HEAL_COST" envDefault:"5"`
}

type LeaderboardConfig struct {
	Interval        time.Duration `env:"INTERVAL" envDefault:"2s"`
	Size            int           `env:"SIZE" envDefault:"50"`
	PresenceDelay   time.Duration `env:"PRESENCE_DELAY" envDefault:"1s"`
	ArchiveInterval time.Duration `env:"ARCHIVE_INTERVAL" envDefault:"1h"`
	ArchivePrefix   string        `env:"ARCHIVE_PREFIX" envDefault:"leaderboard"`
}

type SchedulerConfig struct {
	SessionSweep time.Duration `env:"SESSION_SWEEP" envDefault:"1m"`
	AbuseSweep   time.Duration `env:"ABUSE_SWEEP" envDefault:"5m"`
}

type WriterConfig struct {
	QueueSize  int           `env:"QUEUE_SIZE" envDefault:"1024"`
	JobTimeout time.Duration `env:"JOB_TIMEOUT" envDefault:"10s"`
}

type SyncConfig struct {
	ServiceURL   string        `env:"SERVICE_URL"`
	EndpointPath string        `env:"ENDPOINT_PATH" envDefault:"/api/v1/public/profiles"`
	Interval     time.Duration `env:"INTERVAL" envDefault:"1m"`
}

// R2Config keeps the bucket variable names used by the rest of the platform.
type R2Config struct {
	AccountID       string `env:"CLOUDFLARE_ACCOUNT_ID"`
	AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
	Bucket          string `env:"R2_BUCKET_NAME"`
	CDNBaseURL      string `env:"CDN_BASE_URL"`
}

// Enabled reports whether enough R2 settings are present to archive snapshots.
func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.AccessKeySecret != "" && c.Bucket != ""
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Load reads .env (when present) and parses the environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins

	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Session.MaxLevelJump < 1 {
		return fmt.Errorf("SESSION_MAX_LEVEL_JUMP must be positive")
	}
	if c.Leaderboard.Size < 1 {
		return fmt.Errorf("LEADERBOARD_SIZE must be positive")
	}
	return nil
}

// Defaults returns T populated only from its envDefault tags, ignoring the
// process environment. T must not carry required fields.
func Defaults[T any]() T {
	var out T
	if err := env.ParseWithOptions(&out, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return out
}
