// Package config loads service configuration from defaults, an optional
// .env file and the environment, in increasing priority.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Server struct {
	Port        string
	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache
	RedisTTL    time.Duration
	JournalPath string // empty → candles from the store
	CORSOrigins []string

	// Orders per second per account on POST /orders; 0 disables.
	TradeRateLimit int
	TradeRateBurst int
}

type Engine struct {
	MatchDepth int
}

type Agent struct {
	Enabled bool

	// Interval between bursts; each burst runs 1..MaxStepsPerTick steps
	// separated by StepDelay.
	Interval        time.Duration
	StepDelay       time.Duration
	MaxStepsPerTick int

	Count       int             // agent accounts created by seed
	Budget      decimal.Decimal // initial cash per agent
	CooldownMin time.Duration
	CooldownMax time.Duration
	OrderTTL    time.Duration
}

type Config struct {
	Server Server
	Engine Engine
	Agent  Agent
}

func Default() Config {
	return Config{
		Server: Server{
			Port:        "8080",
			RedisTTL:    30 * time.Second,
			JournalPath: "data/journal",
			CORSOrigins: []string{"*"},

			TradeRateLimit: 10,
			TradeRateBurst: 10,
		},
		Engine: Engine{
			MatchDepth: 50,
		},
		Agent: Agent{
			Enabled:         false,
			Interval:        10 * time.Second,
			StepDelay:       500 * time.Millisecond,
			MaxStepsPerTick: 5,
			Count:           10,
			Budget:          decimal.NewFromInt(100000),
			CooldownMin:     5 * time.Minute,
			CooldownMax:     30 * time.Minute,
			OrderTTL:        15 * time.Minute,
		},
	}
}

// Load reads envPath (or ./.env when empty) if it exists, then applies
// environment overrides on top of Default. Malformed values are errors.
func Load(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return cfg, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	} else {
		_ = godotenv.Load()
	}

	var p parser
	p.str("PORT", &cfg.Server.Port)
	p.str("DATABASE_URL", &cfg.Server.DatabaseURL)
	p.str("REDIS_URL", &cfg.Server.RedisURL)
	p.duration("REDIS_TTL", &cfg.Server.RedisTTL)
	p.str("JOURNAL_PATH", &cfg.Server.JournalPath)
	p.list("CORS_ORIGINS", &cfg.Server.CORSOrigins)
	p.integer("TRADE_RATE_LIMIT", &cfg.Server.TradeRateLimit)
	p.integer("TRADE_RATE_BURST", &cfg.Server.TradeRateBurst)
	p.integer("MATCH_DEPTH", &cfg.Engine.MatchDepth)

	p.boolean("AGENT_ENABLED", &cfg.Agent.Enabled)
	p.duration("AGENT_INTERVAL", &cfg.Agent.Interval)
	p.duration("AGENT_STEP_DELAY", &cfg.Agent.StepDelay)
	p.integer("AGENT_MAX_STEPS", &cfg.Agent.MaxStepsPerTick)
	p.integer("AGENT_COUNT", &cfg.Agent.Count)
	p.decimal("AGENT_BUDGET", &cfg.Agent.Budget)
	p.duration("AGENT_COOLDOWN_MIN", &cfg.Agent.CooldownMin)
	p.duration("AGENT_COOLDOWN_MAX", &cfg.Agent.CooldownMax)
	p.duration("AGENT_ORDER_TTL", &cfg.Agent.OrderTTL)
	if p.err != nil {
		return cfg, p.err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch {
	case c.Server.TradeRateLimit < 0:
		return fmt.Errorf("config: TRADE_RATE_LIMIT must not be negative, got %d", c.Server.TradeRateLimit)
	case c.Server.TradeRateLimit > 0 && c.Server.TradeRateBurst < 1:
		return fmt.Errorf("config: TRADE_RATE_BURST must be positive, got %d", c.Server.TradeRateBurst)
	case c.Engine.MatchDepth < 1:
		return fmt.Errorf("config: MATCH_DEPTH must be positive, got %d", c.Engine.MatchDepth)
	case c.Agent.MaxStepsPerTick < 1:
		return fmt.Errorf("config: AGENT_MAX_STEPS must be positive, got %d", c.Agent.MaxStepsPerTick)
	case c.Agent.CooldownMax < c.Agent.CooldownMin:
		return fmt.Errorf("config: AGENT_COOLDOWN_MAX %s below AGENT_COOLDOWN_MIN %s", c.Agent.CooldownMax, c.Agent.CooldownMin)
	case !c.Agent.Budget.IsPositive():
		return fmt.Errorf("config: AGENT_BUDGET must be positive, got %s", c.Agent.Budget)
	case c.Agent.Interval <= 0:
		return fmt.Errorf("config: AGENT_INTERVAL must be positive, got %s", c.Agent.Interval)
	}
	return nil
}

// parser records the first malformed variable.
type parser struct {
	err error
}

func (p *parser) lookup(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v := os.Getenv(key)
	return v, v != ""
}

func (p *parser) fail(key, v string, err error) {
	p.err = fmt.Errorf("config: invalid %s=%q: %w", key, v, err)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

// list splits a comma-separated value, dropping empty items.
func (p *parser) list(key string, dst *[]string) {
	if v, ok := p.lookup(key); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

func (p *parser) integer(key string, dst *int) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) boolean(key string, dst *bool) {
	if v, ok := p.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (p *parser) decimal(key string, dst *decimal.Decimal) {
	if v, ok := p.lookup(key); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}
