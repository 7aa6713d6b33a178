package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/matching"
)

const DefaultEIDSystem = "http://ehr.local/fhir/NamingSystem/enterprise-eid"

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	EIDSystems             []string `mapstructure:"EMPI_EID_SYSTEMS"`
	PreventMultipleEIDs    bool     `mapstructure:"EMPI_PREVENT_MULTIPLE_EIDS"`
	MatchThreshold         float64  `mapstructure:"EMPI_MATCH_THRESHOLD"`
	PossibleMatchThreshold float64  `mapstructure:"EMPI_POSSIBLE_MATCH_THRESHOLD"`
	MaxCandidates          int      `mapstructure:"EMPI_MAX_CANDIDATES"`

	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTargetTopic   string        `mapstructure:"KAFKA_TARGET_TOPIC"`
	KafkaLinkTopic     string        `mapstructure:"KAFKA_LINK_TOPIC"`
	KafkaConsumerGroup string        `mapstructure:"KAFKA_CONSUMER_GROUP"`
	KafkaMaxAttempts   int           `mapstructure:"KAFKA_MAX_ATTEMPTS"`
	KafkaRetryBackoff  time.Duration `mapstructure:"KAFKA_RETRY_BACKOFF"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"BODY_LIMIT", "REQUEST_TIMEOUT",
	"EMPI_EID_SYSTEMS", "EMPI_PREVENT_MULTIPLE_EIDS", "EMPI_MATCH_THRESHOLD",
	"EMPI_POSSIBLE_MATCH_THRESHOLD", "EMPI_MAX_CANDIDATES",
	"KAFKA_BROKERS", "KAFKA_TARGET_TOPIC", "KAFKA_LINK_TOPIC", "KAFKA_CONSUMER_GROUP",
	"KAFKA_MAX_ATTEMPTS", "KAFKA_RETRY_BACKOFF",
}

// Load reads the environment and an optional .env file. It does not call
// Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("REQUEST_TIMEOUT", 30*time.Second)
	v.SetDefault("EMPI_EID_SYSTEMS", DefaultEIDSystem)
	v.SetDefault("EMPI_PREVENT_MULTIPLE_EIDS", true)
	v.SetDefault("EMPI_MATCH_THRESHOLD", matching.DefaultThresholds().Match)
	v.SetDefault("EMPI_POSSIBLE_MATCH_THRESHOLD", matching.DefaultThresholds().PossibleMatch)
	v.SetDefault("EMPI_MAX_CANDIDATES", 5)
	v.SetDefault("KAFKA_TARGET_TOPIC", "empi.targets")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "empi")
	v.SetDefault("KAFKA_MAX_ATTEMPTS", 3)
	v.SetDefault("KAFKA_RETRY_BACKOFF", 200*time.Millisecond)

	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma lists arrive from the environment as a single string.
	cfg.EIDSystems = splitList(v.GetString("EMPI_EID_SYSTEMS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development mode
// follows ENV and everything else is "external".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run. Problems are
// reported together and wrap empi.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			errs = append(errs, errors.New("AUTH_MODE=development is not allowed in production"))
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			errs = append(errs, errors.New("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\""))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode))
	}

	if len(c.EIDSystems) == 0 {
		errs = append(errs, errors.New("EMPI_EID_SYSTEMS must list at least one identifier system"))
	}
	for _, s := range c.EIDSystems {
		if s == empi.InternalEIDSystem {
			errs = append(errs, fmt.Errorf("EMPI_EID_SYSTEMS must not contain the internal system %s", s))
		}
	}
	t := c.Thresholds()
	if t.Match <= 0 || t.Match > 1 || t.PossibleMatch <= 0 || t.PossibleMatch > 1 {
		errs = append(errs, fmt.Errorf("EMPI thresholds must be in (0,1], got match=%v possible=%v", t.Match, t.PossibleMatch))
	} else if t.PossibleMatch > t.Match {
		errs = append(errs, fmt.Errorf("EMPI_POSSIBLE_MATCH_THRESHOLD %v exceeds EMPI_MATCH_THRESHOLD %v", t.PossibleMatch, t.Match))
	}
	if c.MaxCandidates < 1 {
		errs = append(errs, fmt.Errorf("EMPI_MAX_CANDIDATES must be positive, got %d", c.MaxCandidates))
	}

	if c.KafkaEnabled() {
		if c.KafkaTargetTopic == "" {
			errs = append(errs, errors.New("KAFKA_TARGET_TOPIC is required when KAFKA_BROKERS is set"))
		}
		if c.KafkaConsumerGroup == "" {
			errs = append(errs, errors.New("KAFKA_CONSUMER_GROUP is required when KAFKA_BROKERS is set"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", empi.ErrConfiguration, errors.Join(errs...))
}

// EMPISettings is read once at startup so the EID switch cannot change
// within a decision cycle.
func (c *Config) EMPISettings() empi.Settings {
	return empi.Settings{
		EIDSystems:          append([]string(nil), c.EIDSystems...),
		PreventMultipleEIDs: c.PreventMultipleEIDs,
	}
}

func (c *Config) Thresholds() matching.Thresholds {
	return matching.Thresholds{Match: c.MatchThreshold, PossibleMatch: c.PossibleMatchThreshold}
}
