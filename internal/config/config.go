package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"collections-dialer/internal/compliance"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration required by the dialer processes (api + worker).
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig        `envconfig:"APP"`
	DB         DBConfig         `envconfig:"DB"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Auth       AuthConfig       `envconfig:"JWT"`
	Carrier    CarrierConfig    `envconfig:"CARRIER"`
	Dialer     DialerConfig     `envconfig:"DIALER"`
	Compliance ComplianceConfig `envconfig:"COMPLIANCE"`
}

type AppConfig struct {
	Env  string `envconfig:"ENV"`
	Port int    `envconfig:"PORT"`

	// PublicBaseURL is the externally reachable origin the carrier calls back on,
	// e.g. https://dialer.example.com. Used to build callback URLs and to verify
	// webhook signatures, so it must match what the carrier sees exactly.
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL"`
}

type DBConfig struct {
	Host     string `envconfig:"HOST"`
	Port     int    `envconfig:"PORT"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`
	Name     string `envconfig:"NAME"`

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `envconfig:"SSLMODE"`
}

type RedisConfig struct {
	Host string `envconfig:"HOST"`
	Port int    `envconfig:"PORT"`
}

type AuthConfig struct {
	JWTSecret       string        `envconfig:"SECRET"`
	JWTIssuer       string        `envconfig:"ISSUER"`
	JWTAudience     string        `envconfig:"AUDIENCE"`
	AccessTokenTTL  time.Duration `envconfig:"ACCESS_TTL"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TTL"`
}

// CarrierConfig configures the Twilio-compatible REST carrier (Twilio or SignalWire LaML).
type CarrierConfig struct {
	// BaseURL is the REST API origin, e.g. https://api.twilio.com or
	// https://<space>.signalwire.com/api/laml.
	BaseURL    string `envconfig:"BASE_URL"`
	AccountSID string `envconfig:"ACCOUNT_SID"`
	AuthToken  string `envconfig:"AUTH_TOKEN"`

	// RequestTimeout bounds every placement request. A timeout is a failed placement.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT"`
	// CallsPerSecond throttles outbound placement requests (carrier CPS limit).
	CallsPerSecond float64 `envconfig:"CALLS_PER_SECOND"`
	// RingTimeoutSeconds is how long the carrier lets the destination ring.
	RingTimeoutSeconds int `envconfig:"RING_TIMEOUT_SECONDS"`

	// AgentSIPTemplate builds the agent bridge target, "%s" is the agent session id.
	AgentSIPTemplate string `envconfig:"AGENT_SIP_TEMPLATE"`
}

type DialerConfig struct {
	// AdvanceDelay is the auto-advance countdown after a disposition.
	AdvanceDelay time.Duration `envconfig:"ADVANCE_DELAY"`
	// BatchSize is the number of candidates fetched per selector pass.
	BatchSize int `envconfig:"BATCH_SIZE"`
	// ClaimCeiling is how long an account may stay claimed before reconciliation releases it.
	ClaimCeiling time.Duration `envconfig:"CLAIM_CEILING"`
	// CallCeiling is how long a call may stay non-terminal before it is failed as stale.
	CallCeiling time.Duration `envconfig:"CALL_CEILING"`
	// InProgressCeiling is how long an account may wait for a disposition before ops is notified.
	InProgressCeiling time.Duration `envconfig:"IN_PROGRESS_CEILING"`
	// SkipCooldown is how long transiently skipped accounts wait before requeue.
	SkipCooldown time.Duration `envconfig:"SKIP_COOLDOWN"`
	// ReconcileEvery is the asynq scheduler cron spec for the reconciliation task.
	ReconcileEvery string `envconfig:"RECONCILE_EVERY"`
	// MaxLiveCalls caps concurrent non-terminal calls per campaign (0 disables).
	MaxLiveCalls int `envconfig:"MAX_LIVE_CALLS"`
	// AutoPauseAfter pauses a campaign after this many consecutive carrier rejections (0 disables).
	AutoPauseAfter int `envconfig:"AUTO_PAUSE_AFTER"`
}

type ComplianceConfig struct {
	// CallWindowStart/End are local wall-clock bounds in "HH:MM".
	CallWindowStart string `envconfig:"CALL_WINDOW_START"`
	CallWindowEnd   string `envconfig:"CALL_WINDOW_END"`
	MaxAttempts     int    `envconfig:"MAX_ATTEMPTS"`
	WindowDays      int    `envconfig:"WINDOW_DAYS"`
	// Jurisdictions overrides the default per jurisdiction code, as
	// "US-MA=08:00-20:00/2/7,US-TX=09:00-21:00/7/7".
	Jurisdictions JurisdictionPolicies `envconfig:"JURISDICTIONS"`
}

// JurisdictionPolicies maps a jurisdiction code to a policy string for
// compliance.ParsePolicy. envconfig's own map syntax splits on ':', which
// the HH:MM bounds contain.
type JurisdictionPolicies map[string]string

func (j *JurisdictionPolicies) Decode(value string) error {
	out := JurisdictionPolicies{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, policy, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid jurisdiction policy %q, want CODE=policy", pair)
		}
		out[strings.ToUpper(strings.TrimSpace(code))] = strings.TrimSpace(policy)
	}
	*j = out
	return nil
}

func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, err
	}
	c.App.Env = strings.TrimSpace(c.App.Env)
	c.DB.Host = strings.TrimSpace(c.DB.Host)
	c.DB.User = strings.TrimSpace(c.DB.User)
	c.DB.Name = strings.TrimSpace(c.DB.Name)
	c.DB.SSLMode = strings.TrimSpace(c.DB.SSLMode)
	c.Redis.Host = strings.TrimSpace(c.Redis.Host)
	c.Carrier.BaseURL = strings.TrimRight(strings.TrimSpace(c.Carrier.BaseURL), "/")
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.App.PublicBaseURL), "/")

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and applies env-dependent defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" && c.IsProduction() {
		errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required in production"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Agent shifts are long; access tokens are refreshed by the client.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 12 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.IsProduction() {
		if c.Carrier.BaseURL == "" {
			errs = append(errs, errors.New("CARRIER_BASE_URL is required in production"))
		}
		if c.Carrier.AccountSID == "" {
			errs = append(errs, errors.New("CARRIER_ACCOUNT_SID is required in production"))
		}
		if c.Carrier.AuthToken == "" {
			errs = append(errs, errors.New("CARRIER_AUTH_TOKEN is required in production"))
		}
	}
	if c.Carrier.RequestTimeout <= 0 {
		c.Carrier.RequestTimeout = 10 * time.Second
	}
	if c.Carrier.CallsPerSecond <= 0 {
		c.Carrier.CallsPerSecond = 1
	}
	if c.Carrier.RingTimeoutSeconds <= 0 {
		c.Carrier.RingTimeoutSeconds = 30
	}
	if c.Carrier.AgentSIPTemplate == "" {
		c.Carrier.AgentSIPTemplate = "sip:%s@agents.local"
	} else if !strings.Contains(c.Carrier.AgentSIPTemplate, "%s") {
		errs = append(errs, errors.New("CARRIER_AGENT_SIP_TEMPLATE must contain %s"))
	}

	if c.Dialer.AdvanceDelay <= 0 {
		c.Dialer.AdvanceDelay = 5 * time.Second
	}
	if c.Dialer.BatchSize <= 0 {
		c.Dialer.BatchSize = 10
	}
	if c.Dialer.ClaimCeiling <= 0 {
		c.Dialer.ClaimCeiling = 10 * time.Minute
	}
	if c.Dialer.CallCeiling <= 0 {
		c.Dialer.CallCeiling = 2 * time.Hour
	}
	if c.Dialer.InProgressCeiling <= 0 {
		c.Dialer.InProgressCeiling = 4 * time.Hour
	}
	if c.Dialer.SkipCooldown <= 0 {
		c.Dialer.SkipCooldown = time.Hour
	}
	if c.Dialer.ReconcileEvery == "" {
		c.Dialer.ReconcileEvery = "@every 1m"
	}
	if c.Dialer.MaxLiveCalls < 0 {
		errs = append(errs, fmt.Errorf("DIALER_MAX_LIVE_CALLS must be >= 0, got %d", c.Dialer.MaxLiveCalls))
	}
	if c.Dialer.AutoPauseAfter < 0 {
		errs = append(errs, fmt.Errorf("DIALER_AUTO_PAUSE_AFTER must be >= 0, got %d", c.Dialer.AutoPauseAfter))
	}

	if c.Compliance.CallWindowStart == "" {
		c.Compliance.CallWindowStart = "08:00"
	}
	if c.Compliance.CallWindowEnd == "" {
		c.Compliance.CallWindowEnd = "21:00"
	}
	if c.Compliance.MaxAttempts <= 0 {
		c.Compliance.MaxAttempts = 7
	}
	if c.Compliance.WindowDays <= 0 {
		c.Compliance.WindowDays = 7
	}
	for code, v := range c.Compliance.Jurisdictions {
		if strings.TrimSpace(code) == "" {
			errs = append(errs, errors.New("COMPLIANCE_JURISDICTIONS has an empty jurisdiction code"))
			continue
		}
		if _, err := compliance.ParsePolicy(v); err != nil {
			errs = append(errs, fmt.Errorf("COMPLIANCE_JURISDICTIONS %s: %w", code, err))
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
