package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Mongo       MongoConfig       `mapstructure:"mongo"`
	Redis       RedisConfig       `mapstructure:"redis"`
	AMQP        AMQPConfig        `mapstructure:"amqp"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Battle      BattleConfig      `mapstructure:"battle"`
	Bot         BotConfig         `mapstructure:"bot"`
	Rewards     RewardsConfig     `mapstructure:"rewards"`
}

type ServerConfig struct {
	HTTPPort        string        `mapstructure:"http_port"`
	InstanceID      string        `mapstructure:"instance_id"` // Empty: generated at startup
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	ProfileTTL time.Duration `mapstructure:"profile_ttl"`
	MatchTTL   time.Duration `mapstructure:"match_ttl"`
}

type AMQPConfig struct {
	URL         string `mapstructure:"url"`
	RewardQueue string `mapstructure:"reward_queue"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// MatchmakingConfig tunes the presence queue and the rating window
type MatchmakingConfig struct {
	BaseTolerance           int           `mapstructure:"base_tolerance"`
	ToleranceGrowthInterval time.Duration `mapstructure:"tolerance_growth_interval"`
	ToleranceGrowthStep     int           `mapstructure:"tolerance_growth_step"`
	SearchTimeout           time.Duration `mapstructure:"search_timeout"`
	ResyncInterval          time.Duration `mapstructure:"resync_interval"`
}

// BattleConfig tunes the round loop
type BattleConfig struct {
	QuestionsPerBattle int           `mapstructure:"questions_per_battle"`
	TimePerQuestion    time.Duration `mapstructure:"time_per_question"`
	RevealDelay        time.Duration `mapstructure:"reveal_delay"`
	MaxHealth          int           `mapstructure:"max_health"`
	MinimumDamage      int           `mapstructure:"minimum_damage"`
	MutualPenalty      int           `mapstructure:"mutual_penalty"`
}

type BotConfig struct {
	BaseAccuracy       float64 `mapstructure:"base_accuracy"`
	AccuracyMultiplier float64 `mapstructure:"accuracy_multiplier"`
	RatingScaleFactor  float64 `mapstructure:"rating_scale_factor"`
	Rating             int     `mapstructure:"rating"`
	Level              int     `mapstructure:"level"`
}

type RewardsConfig struct {
	WinXP            int `mapstructure:"win_xp"`
	DrawXP           int `mapstructure:"draw_xp"`
	LossXP           int `mapstructure:"loss_xp"`
	XPPerCorrect     int `mapstructure:"xp_per_correct"`
	TimeBonusDivisor int `mapstructure:"time_bonus_divisor"`
	StreakCap        int `mapstructure:"streak_cap"`
	XPPerStreakDay   int `mapstructure:"xp_per_streak_day"`
	WinCoins         int `mapstructure:"win_coins"`
	DrawCoins        int `mapstructure:"draw_coins"`
	LossCoins        int `mapstructure:"loss_coins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("server.instance_id", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "questduel")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.profile_ttl", 5*time.Minute)
	v.SetDefault("redis.match_ttl", 2*time.Hour)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.reward_queue", "battle.rewards")

	v.SetDefault("auth.jwt_secret", "dev-secret-change-me")

	v.SetDefault("matchmaking.base_tolerance", 200)
	v.SetDefault("matchmaking.tolerance_growth_interval", 5*time.Second)
	v.SetDefault("matchmaking.tolerance_growth_step", 50)
	v.SetDefault("matchmaking.search_timeout", 60*time.Second)
	v.SetDefault("matchmaking.resync_interval", 5*time.Second)

	v.SetDefault("battle.questions_per_battle", 10)
	v.SetDefault("battle.time_per_question", 30*time.Second)
	v.SetDefault("battle.reveal_delay", 2*time.Second)
	v.SetDefault("battle.max_health", 100)
	v.SetDefault("battle.minimum_damage", 5)
	v.SetDefault("battle.mutual_penalty", 5)

	v.SetDefault("bot.base_accuracy", 0.5)
	v.SetDefault("bot.accuracy_multiplier", 0.3)
	v.SetDefault("bot.rating_scale_factor", 2000.0)
	v.SetDefault("bot.rating", 1000)
	v.SetDefault("bot.level", 1)

	v.SetDefault("rewards.win_xp", 50)
	v.SetDefault("rewards.draw_xp", 25)
	v.SetDefault("rewards.loss_xp", 10)
	v.SetDefault("rewards.xp_per_correct", 10)
	v.SetDefault("rewards.time_bonus_divisor", 5)
	v.SetDefault("rewards.streak_cap", 5)
	v.SetDefault("rewards.xp_per_streak_day", 5)
	v.SetDefault("rewards.win_coins", 20)
	v.SetDefault("rewards.draw_coins", 10)
	v.SetDefault("rewards.loss_coins", 5)
}

// Load reads config.yaml from the given paths (default "." and "./config"),
// applies environment overrides such as MATCHMAKING_BASE_TOLERANCE and fills
// in defaults. A missing config file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Battle.QuestionsPerBattle <= 0:
		return errors.New("battle.questions_per_battle must be positive")
	case c.Battle.TimePerQuestion < time.Second:
		return errors.New("battle.time_per_question must be at least 1s")
	case c.Battle.MaxHealth <= 0:
		return errors.New("battle.max_health must be positive")
	case c.Matchmaking.SearchTimeout <= 0:
		return errors.New("matchmaking.search_timeout must be positive")
	case c.Matchmaking.ToleranceGrowthStep < 0:
		return errors.New("matchmaking.tolerance_growth_step must not be negative")
	}
	return nil
}
