package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// TTL bounds cached answer keys.
		TTL string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Auth struct {
		// JWTSecret enables token verification. Empty means development mode.
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Content struct {
		BaseURL  string `yaml:"base_url"`
		Attempts int    `yaml:"attempts"`
		Timeout  string `yaml:"timeout"`
		KeyTTL   string `yaml:"key_ttl"`
	} `yaml:"content"`
	Battle struct {
		Duration         string  `yaml:"duration"`
		DisconnectGrace  string  `yaml:"disconnect_grace"`
		BotCorrectChance float64 `yaml:"bot_correct_chance"`
	} `yaml:"battle"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Load reads a .env file next to the process if present, then the YAML config at path.
// Environment variables override secrets and endpoints.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, eris.Wrapf(err, "read config %s", path)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, eris.Wrapf(err, "parse config %s", path)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&cfg.Redis.Addr, "REDIS_ADDR")
	override(&cfg.Redis.Password, "REDIS_PASSWORD")
	override(&cfg.Postgres.URL, "DATABASE_URL")
	override(&cfg.Auth.JWTSecret, "JWT_SECRET")
	override(&cfg.Content.BaseURL, "ENEM_API_BASE")
	override(&cfg.Log.Level, "LOG_LEVEL")
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
