package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvDevelopment = "development"

type Config struct {
	Environment    string   `envconfig:"APP_ENV" default:"production"`
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":8080"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`
	AppBaseURL     string   `envconfig:"APP_BASE_URL" default:"http://localhost:3000"`

	Database DatabaseConfig `envconfig:"DB"`
	AWS      AWSConfig      `envconfig:"AWS"`
	Stripe   StripeConfig   `envconfig:"STRIPE"`
	Supabase SupabaseConfig `envconfig:"SUPABASE"`
	Instance InstanceConfig `envconfig:"INSTANCE"`
}

type DatabaseConfig struct {
	Driver string `envconfig:"DRIVER" default:"postgres"`
	DSN    string `envconfig:"DSN" required:"true"`
}

// AWSConfig holds the master credentials. Per-user credentials are created
// by the bootstrapper and live in the database.
type AWSConfig struct {
	AccessKeyID     string `envconfig:"ACCESS_KEY_ID" required:"true"`
	SecretAccessKey string `envconfig:"SECRET_ACCESS_KEY" required:"true"`
	Region          string `envconfig:"REGION" default:"ap-northeast-1"`
}

type StripeConfig struct {
	SecretKey          string        `envconfig:"SECRET_KEY" required:"true"`
	WebhookSecret      string        `envconfig:"WEBHOOK_SECRET" required:"true"`
	SignatureTolerance time.Duration `envconfig:"SIGNATURE_TOLERANCE" default:"5m"`
}

type SupabaseConfig struct {
	URL       string `envconfig:"URL"`
	AnonKey   string `envconfig:"ANON_KEY"`
	JWTSecret string `envconfig:"JWT_SECRET"`
	// ServiceRoleKey enables the admin user listing.
	ServiceRoleKey string `envconfig:"SERVICE_ROLE_KEY"`
}

type InstanceConfig struct {
	AMI          string        `envconfig:"AMI" default:"ami-0d7927c66a4f58940"`
	Type         string        `envconfig:"TYPE" default:"t2.medium"`
	KeyName      string        `envconfig:"KEY_NAME" default:"teai-key"`
	DomainSuffix string        `envconfig:"DOMAIN_SUFFIX" default:"teai.io"`
	CertEmail    string        `envconfig:"CERT_EMAIL" default:"admin@teai.io"`
	AppPort      int           `envconfig:"APP_PORT" default:"3000"`
	StopTimeout  time.Duration `envconfig:"STOP_TIMEOUT" default:"10m"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Supabase.JWTSecret == "" && (c.Supabase.URL == "" || c.Supabase.AnonKey == "") {
		return fmt.Errorf("either SUPABASE_JWT_SECRET or SUPABASE_URL and SUPABASE_ANON_KEY must be set")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}
