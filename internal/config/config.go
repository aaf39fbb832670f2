package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/notify"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "TAKES"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "takes.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "takes-admin"
	defaultAuthAudience      = "takes-api"
	defaultTokenTTLMinutes   = 30
	defaultNotifyTransport   = "log"
	defaultNotifyConcurrency = 4
	defaultAMQPQueue         = "sms_outbound"
	defaultTakesPerMinute    = 30
	defaultPushPoints        = 0
	defaultTokenRate         = 0.05
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFile        string
	AllowedOrigins []string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthTokenTTL      time.Duration
	SchedulerSecret   string

	SiteBaseURL   string
	SMSWebhookURL string

	NotifyTransport   string
	NotifyConcurrency int
	NotifyFromNumber  string

	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioValidateSignatures bool

	AMQPURL   string
	AMQPQueue string

	RedisAddress       string
	RateLimitPerMinute int64

	GradingPushPoints float64
	GradingTokenRate  float64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("scheduler.secret", "")
	configViper.SetDefault("site.base_url", "")
	configViper.SetDefault("sms.webhook_url", "")
	configViper.SetDefault("notify.transport", defaultNotifyTransport)
	configViper.SetDefault("notify.concurrency", defaultNotifyConcurrency)
	configViper.SetDefault("notify.from_number", "")
	configViper.SetDefault("twilio.account_sid", "")
	configViper.SetDefault("twilio.auth_token", "")
	configViper.SetDefault("twilio.validate_signatures", false)
	configViper.SetDefault("amqp.url", "")
	configViper.SetDefault("amqp.queue", defaultAMQPQueue)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("ratelimit.takes_per_minute", defaultTakesPerMinute)
	configViper.SetDefault("grading.push_points", defaultPushPoints)
	configViper.SetDefault("grading.token_rate", defaultTokenRate)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		AllowedOrigins:           splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:             configViper.GetString("database.path"),
		LogLevel:                 configViper.GetString("log.level"),
		LogFile:                  strings.TrimSpace(configViper.GetString("log.file")),
		AuthSigningSecret:        configViper.GetString("auth.signing_secret"),
		AuthIssuer:               strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthAudience:             strings.TrimSpace(configViper.GetString("auth.audience")),
		AuthTokenTTL:             time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SchedulerSecret:          configViper.GetString("scheduler.secret"),
		SiteBaseURL:              strings.TrimSpace(configViper.GetString("site.base_url")),
		SMSWebhookURL:            strings.TrimSpace(configViper.GetString("sms.webhook_url")),
		NotifyTransport:          strings.ToLower(strings.TrimSpace(configViper.GetString("notify.transport"))),
		NotifyConcurrency:        configViper.GetInt("notify.concurrency"),
		NotifyFromNumber:         strings.TrimSpace(configViper.GetString("notify.from_number")),
		TwilioAccountSID:         strings.TrimSpace(configViper.GetString("twilio.account_sid")),
		TwilioAuthToken:          configViper.GetString("twilio.auth_token"),
		TwilioValidateSignatures: configViper.GetBool("twilio.validate_signatures"),
		AMQPURL:                  strings.TrimSpace(configViper.GetString("amqp.url")),
		AMQPQueue:                strings.TrimSpace(configViper.GetString("amqp.queue")),
		RedisAddress:             strings.TrimSpace(configViper.GetString("redis.address")),
		RateLimitPerMinute:       configViper.GetInt64("ratelimit.takes_per_minute"),
		GradingPushPoints:        configViper.GetFloat64("grading.push_points"),
		GradingTokenRate:         configViper.GetFloat64("grading.token_rate"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SchedulerSecret) == "" {
		return fmt.Errorf("scheduler.secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.NotifyConcurrency <= 0 {
		return fmt.Errorf("notify.concurrency must be positive")
	}
	if c.GradingTokenRate < 0 || c.GradingPushPoints < 0 {
		return fmt.Errorf("grading.push_points and grading.token_rate must not be negative")
	}
	switch c.NotifyTransport {
	case notify.TransportLog:
	case notify.TransportTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.NotifyFromNumber == "" {
			return fmt.Errorf("twilio transport requires twilio.account_sid, twilio.auth_token and notify.from_number")
		}
	case notify.TransportAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("amqp transport requires amqp.url")
		}
	default:
		return fmt.Errorf("notify.transport %q is not supported", c.NotifyTransport)
	}
	if c.TwilioValidateSignatures && (c.TwilioAuthToken == "" || c.SMSWebhookURL == "") {
		return fmt.Errorf("twilio.validate_signatures requires twilio.auth_token and sms.webhook_url")
	}
	if c.RedisAddress != "" && c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("ratelimit.takes_per_minute must be positive when redis.address is set")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
