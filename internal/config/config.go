package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-chat/internal/filler"
	"github.com/whisper/video-chat/internal/gateway"
	"github.com/whisper/video-chat/internal/matching"
	"github.com/whisper/video-chat/internal/participant"
	"github.com/whisper/video-chat/internal/queue"
	"github.com/whisper/video-chat/internal/relay"
	"github.com/whisper/video-chat/internal/scoring"
	"github.com/whisper/video-chat/internal/ws"
)

const (
	ClaimBackendMemory = "memory"
	ClaimBackendRedis  = "redis"
)

type Config struct {
	Server   ServerConfig
	Backends BackendConfig
	Matching MatchingConfig
	Priority PriorityConfig
	Scoring  ScoringConfig
	Relay    RelayConfig
	Filler   FillerConfig
}

type ServerConfig struct {
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	Name              string        `env:"SERVER_NAME"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	Env               string        `env:"ENV" envDefault:"development"`
}

type BackendConfig struct {
	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL      string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	DatabaseURL  string `env:"DATABASE_URL"` // empty disables the directory and history store
	ClaimBackend string `env:"CLAIM_BACKEND" envDefault:"memory"`
}

type MatchingConfig struct {
	CandidateThreshold int           `env:"MATCH_CANDIDATE_THRESHOLD" envDefault:"3"`
	DirectoryLimit     int           `env:"MATCH_DIRECTORY_LIMIT" envDefault:"10"`
	DirectoryTimeout   time.Duration `env:"MATCH_DIRECTORY_TIMEOUT" envDefault:"2s"`
	MaxWait            time.Duration `env:"MATCH_MAX_WAIT" envDefault:"5m"`
	EvictInterval      time.Duration `env:"MATCH_EVICT_INTERVAL" envDefault:"60s"`
	AgingInterval      time.Duration `env:"MATCH_AGING_INTERVAL" envDefault:"30s"`
	AgingThreshold     time.Duration `env:"MATCH_AGING_THRESHOLD" envDefault:"2m"`
	AgingRate          float64       `env:"MATCH_AGING_RATE" envDefault:"5"`
	AgingCap           float64       `env:"MATCH_AGING_CAP" envDefault:"50"`
	ReattemptTopN      int           `env:"MATCH_REATTEMPT_TOP_N" envDefault:"10"`
	ClaimTTL           time.Duration `env:"MATCH_CLAIM_TTL" envDefault:"5s"`
}

type PriorityConfig struct {
	Base              float64 `env:"PRIORITY_BASE" envDefault:"100"`
	NewUserBoost      float64 `env:"PRIORITY_NEW_USER_BOOST" envDefault:"20"`
	NewUserMatches    int     `env:"PRIORITY_NEW_USER_MATCHES" envDefault:"5"`
	ReputationBoost   float64 `env:"PRIORITY_REPUTATION_BOOST" envDefault:"15"`
	ReportPenalty     float64 `env:"PRIORITY_REPORT_PENALTY" envDefault:"10"`
	CompletenessBoost float64 `env:"PRIORITY_COMPLETENESS_BOOST" envDefault:"10"`
}

type ScoringConfig struct {
	Interests            float64       `env:"WEIGHT_INTERESTS" envDefault:"40"`
	Proximity            float64       `env:"WEIGHT_PROXIMITY" envDefault:"20"`
	Age                  float64       `env:"WEIGHT_AGE" envDefault:"15"`
	Reputation           float64       `env:"WEIGHT_REPUTATION" envDefault:"15"`
	Wait                 float64       `env:"WEIGHT_WAIT" envDefault:"10"`
	Jitter               float64       `env:"WEIGHT_JITTER" envDefault:"5"`
	DefaultMaxDistanceKm float64       `env:"SCORE_DEFAULT_MAX_DISTANCE_KM" envDefault:"100"`
	WaitCreditCap        time.Duration `env:"SCORE_WAIT_CREDIT_CAP" envDefault:"5m"`
}

type RelayConfig struct {
	GraceWindow time.Duration `env:"RELAY_GRACE_WINDOW" envDefault:"5s"`
	SignalRate  float64       `env:"RELAY_SIGNAL_RATE" envDefault:"20"`
	SignalBurst int           `env:"RELAY_SIGNAL_BURST" envDefault:"40"`
}

type FillerConfig struct {
	Enabled    bool          `env:"FILLER_ENABLED" envDefault:"false"`
	Target     int           `env:"FILLER_TARGET" envDefault:"2"`
	LowTraffic int           `env:"FILLER_LOW_TRAFFIC" envDefault:"4"`
	DwellMin   time.Duration `env:"FILLER_DWELL_MIN" envDefault:"8s"`
	DwellMax   time.Duration `env:"FILLER_DWELL_MAX" envDefault:"15s"`
	Cooldown   time.Duration `env:"FILLER_COOLDOWN" envDefault:"3s"`
	Interval   time.Duration `env:"FILLER_INTERVAL" envDefault:"5s"`
	Mode       string        `env:"FILLER_MODE" envDefault:"random"`
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name, _ = os.Hostname()
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "ws-1"
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	s := c.Scoring
	for name, w := range map[string]float64{
		"WEIGHT_INTERESTS":  s.Interests,
		"WEIGHT_PROXIMITY":  s.Proximity,
		"WEIGHT_AGE":        s.Age,
		"WEIGHT_REPUTATION": s.Reputation,
		"WEIGHT_WAIT":       s.Wait,
		"WEIGHT_JITTER":     s.Jitter,
	} {
		if w < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Filler.DwellMin > c.Filler.DwellMax {
		return fmt.Errorf("FILLER_DWELL_MIN (%s) exceeds FILLER_DWELL_MAX (%s)", c.Filler.DwellMin, c.Filler.DwellMax)
	}
	if c.Relay.GraceWindow <= 0 {
		return fmt.Errorf("RELAY_GRACE_WINDOW must be positive")
	}
	switch c.Backends.ClaimBackend {
	case ClaimBackendMemory, ClaimBackendRedis:
	default:
		return fmt.Errorf("unknown CLAIM_BACKEND %q", c.Backends.ClaimBackend)
	}
	if c.Matching.MaxWait <= 0 {
		return fmt.Errorf("MATCH_MAX_WAIT must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) WSServer() ws.ServerConfig {
	cfg := ws.DefaultServerConfig()
	cfg.ListenAddr = c.Server.ListenAddr
	cfg.WorkerPoolSize = c.Server.WorkerPoolSize
	cfg.MaxConnections = c.Server.MaxConnections
	cfg.ReadTimeout = c.Server.ReadTimeout
	cfg.WriteTimeout = c.Server.WriteTimeout
	cfg.Heartbeat = ws.HeartbeatConfig{
		Interval: c.Server.HeartbeatInterval,
		Timeout:  c.Server.HeartbeatTimeout,
	}
	return cfg
}

func (c *Config) MatchingService() matching.Config {
	m := c.Matching
	return matching.Config{
		CandidateThreshold: m.CandidateThreshold,
		DirectoryLimit:     m.DirectoryLimit,
		DirectoryTimeout:   m.DirectoryTimeout,
		MaxWait:            m.MaxWait,
		EvictInterval:      m.EvictInterval,
		AgingInterval:      m.AgingInterval,
		AgingThreshold:     m.AgingThreshold,
		AgingRate:          m.AgingRate,
		AgingCap:           m.AgingCap,
		ReattemptTopN:      m.ReattemptTopN,
	}
}

func (c *Config) PriorityPolicy() queue.PriorityPolicy {
	p := c.Priority
	return queue.PriorityPolicy{
		Base:              p.Base,
		NewUserBoost:      p.NewUserBoost,
		NewUserMatches:    p.NewUserMatches,
		ReputationBoost:   p.ReputationBoost,
		ReportPenalty:     p.ReportPenalty,
		CompletenessBoost: p.CompletenessBoost,
	}
}

func (c *Config) ScoringEngine() scoring.Config {
	s := c.Scoring
	return scoring.Config{
		Weights: scoring.Weights{
			Interests:  s.Interests,
			Proximity:  s.Proximity,
			Age:        s.Age,
			Reputation: s.Reputation,
			Wait:       s.Wait,
			Jitter:     s.Jitter,
		},
		DefaultMaxDistanceKm: s.DefaultMaxDistanceKm,
		WaitCreditCap:        s.WaitCreditCap,
	}
}

func (c *Config) RelaySettings() relay.Config {
	return relay.Config{GraceWindow: c.Relay.GraceWindow}
}

func (c *Config) Gateway() gateway.Config {
	return gateway.Config{SignalRate: c.Relay.SignalRate, SignalBurst: c.Relay.SignalBurst}
}

func (c *Config) Fillers() filler.Config {
	f := c.Filler
	return filler.Config{
		Enabled:             f.Enabled,
		Target:              f.Target,
		LowTrafficThreshold: f.LowTraffic,
		DwellMin:            f.DwellMin,
		DwellMax:            f.DwellMax,
		Cooldown:            f.Cooldown,
		Interval:            f.Interval,
		Mode:                participant.NormalizeMode(f.Mode),
	}
}
