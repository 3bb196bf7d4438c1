// Package config loads the deployment configuration from PASSKIT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "PASSKIT_"

// Delivery modes for newly issued passes.
const (
	DeliveryDownload = "download"
	DeliveryEmail    = "email"
)

// Registration store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Archive output backends.
const (
	OutputFilesystem = "filesystem"
	OutputMinIO      = "minio"
)

// APNs environments.
const (
	APNsProduction = "production"
	APNsSandbox    = "sandbox"
)

// Config contains the full deployment configuration. It is built once at
// startup and handed to constructors; nothing reads the environment later.
type Config struct {
	LogLevel string   `env:"LOG_LEVEL" envDefault:"info"`
	Pass     Pass     `envPrefix:"PASS_"`
	Signer   Signer   `envPrefix:"SIGNER_"`
	Template Template `envPrefix:"TEMPLATE_"`
	Output   Output   `envPrefix:"OUTPUT_"`
	Store    Store    `envPrefix:"STORE_"`
	HTTP     HTTP     `envPrefix:"HTTP_"`
	APNs     APNs     `envPrefix:"APNS_"`
	SMTP     SMTP     `envPrefix:"SMTP_"`
	Ingest   Ingest   `envPrefix:"INGEST_"`
}

// Pass contains the identity fields written into every pass.json.
type Pass struct {
	TypeIdentifier   string `env:"TYPE_IDENTIFIER"`
	TeamIdentifier   string `env:"TEAM_IDENTIFIER"`
	OrganizationName string `env:"ORGANIZATION_NAME" envDefault:"Klub Osmijeha"`
	Description      string `env:"DESCRIPTION" envDefault:"Loyalty kartica"`
	SerialPrefix     string `env:"SERIAL_PREFIX" envDefault:"KOS-"`
	// WebServiceURL is the public base URL devices register against. Left
	// empty, passes are issued without update support.
	WebServiceURL       string `env:"WEB_SERVICE_URL"`
	AuthenticationToken string `env:"AUTHENTICATION_TOKEN"`
	// SigningTime adds a signing-time attribute to the signature, which
	// makes rebuilt archives differ byte-for-byte.
	SigningTime bool `env:"SIGNING_TIME" envDefault:"false"`
}

// Signer locates the signing identity. Each item is either a file path or
// an inline base64 blob; a path that exists wins over a blob.
type Signer struct {
	CertPath      string `env:"CERT_PATH"`
	CertBase64    string `env:"CERT_BASE64"`
	KeyPath       string `env:"KEY_PATH"`
	KeyBase64     string `env:"KEY_BASE64"`
	KeyPassphrase string `env:"KEY_PASSPHRASE"`

	P12Path     string `env:"P12_PATH"`
	P12Base64   string `env:"P12_BASE64"`
	P12Password string `env:"P12_PASSWORD"`

	JKSPath     string `env:"JKS_PATH"`
	JKSBase64   string `env:"JKS_BASE64"`
	JKSPassword string `env:"JKS_PASSWORD" envDefault:"changeit"`

	WWDRPath   string `env:"WWDR_PATH"`
	WWDRBase64 string `env:"WWDR_BASE64"`

	// ScratchDir receives blob-sourced material; created with mode 0700.
	ScratchDir string `env:"SCRATCH_DIR"`

	VerifyChain bool          `env:"VERIFY_CHAIN" envDefault:"false"`
	TrustStore  string        `env:"TRUST_STORE" envDefault:"system"`
	RootsPath   string        `env:"ROOTS_PATH"`
	FetchAIA    bool          `env:"FETCH_AIA" envDefault:"true"`
	AIATimeout  time.Duration `env:"AIA_TIMEOUT" envDefault:"2s"`
}

// Template locates the pass template directory.
type Template struct {
	Dir string `env:"DIR" envDefault:"./templates/loyalty"`
}

// Output selects where issued archives are stored for download.
type Output struct {
	Backend string `env:"BACKEND" envDefault:"filesystem"`
	Dir     string `env:"DIR" envDefault:"./output"`
	MinIO   MinIO  `envPrefix:"MINIO_"`
}

// MinIO contains object storage parameters.
type MinIO struct {
	Endpoint  string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET" envDefault:"passes"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
}

// Store selects the registration store backend.
type Store struct {
	Backend       string `env:"BACKEND" envDefault:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"./data/passkit.db"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"passkit:"`
}

// HTTP contains web service parameters.
type HTTP struct {
	Addr string `env:"ADDR" envDefault:":8080"`
	// PublicURL prefixes download links returned by the issuance endpoint.
	PublicURL          string        `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	AdminToken         string        `env:"ADMIN_TOKEN"`
	IssueRequiresAdmin bool          `env:"ISSUE_REQUIRES_ADMIN" envDefault:"false"`
	DeliveryMode       string        `env:"DELIVERY_MODE" envDefault:"download"`
	ReadTimeout        time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout       time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// APNs contains push provider parameters.
type APNs struct {
	Environment string `env:"ENVIRONMENT" envDefault:"production"`
	// Topic defaults to the pass type identifier.
	Topic       string        `env:"TOPIC"`
	Concurrency int           `env:"CONCURRENCY" envDefault:"8"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// SMTP contains mail delivery parameters.
type SMTP struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
	Subject  string `env:"SUBJECT" envDefault:"Vaša loyalty kartica je spremna!"`
}

// Ingest contains bulk CSV ingestion parameters.
type Ingest struct {
	CSVURL       string        `env:"CSV_URL"`
	CSVPath      string        `env:"CSV_PATH"`
	Concurrency  int           `env:"CONCURRENCY" envDefault:"4"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	WritebackURL string        `env:"WRITEBACK_URL"`
	// APIURL sends rows to a remote issuance endpoint instead of building
	// passes in-process.
	APIURL string `env:"API_URL"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses the configuration from the given variables, or from the
// process environment when environ is nil.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := Config{}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// normalize trims values operators commonly paste with stray whitespace.
func (c *Config) normalize() {
	c.Pass.TypeIdentifier = strings.TrimSpace(c.Pass.TypeIdentifier)
	c.Pass.TeamIdentifier = strings.TrimSpace(c.Pass.TeamIdentifier)
	c.Pass.OrganizationName = strings.TrimSpace(c.Pass.OrganizationName)
	c.Pass.WebServiceURL = strings.TrimRight(strings.TrimSpace(c.Pass.WebServiceURL), "/")
	c.HTTP.PublicURL = strings.TrimRight(strings.TrimSpace(c.HTTP.PublicURL), "/")
	if c.APNs.Topic == "" {
		c.APNs.Topic = c.Pass.TypeIdentifier
	}
}

// Validate reports every fatal startup problem at once. Missing signing
// material is not checked here: the service stays up and refuses issuance
// until the credential resolver succeeds.
func (c *Config) Validate() error {
	var errs []error

	if c.Pass.TypeIdentifier == "" {
		errs = append(errs, errors.New("PASSKIT_PASS_TYPE_IDENTIFIER is required"))
	}
	if c.Pass.TeamIdentifier == "" {
		errs = append(errs, errors.New("PASSKIT_PASS_TEAM_IDENTIFIER is required"))
	}
	if c.Pass.WebServiceURL != "" {
		if u, err := url.Parse(c.Pass.WebServiceURL); err != nil || u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("PASSKIT_PASS_WEB_SERVICE_URL must be an https URL, got %q", c.Pass.WebServiceURL))
		}
		if len(c.Pass.AuthenticationToken) < 16 {
			errs = append(errs, errors.New("PASSKIT_PASS_AUTHENTICATION_TOKEN must be at least 16 characters when a web service URL is set"))
		}
	}

	switch c.Store.Backend {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Output.Backend {
	case OutputFilesystem:
		if c.Output.Dir == "" {
			errs = append(errs, errors.New("PASSKIT_OUTPUT_DIR is required for the filesystem backend"))
		}
	case OutputMinIO:
		if c.Output.MinIO.AccessKey == "" || c.Output.MinIO.SecretKey == "" {
			errs = append(errs, errors.New("MinIO output requires PASSKIT_OUTPUT_MINIO_ACCESS_KEY and PASSKIT_OUTPUT_MINIO_SECRET_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output backend %q", c.Output.Backend))
	}

	switch c.HTTP.DeliveryMode {
	case DeliveryDownload:
	case DeliveryEmail:
		if c.SMTP.Host == "" || c.SMTP.From == "" {
			errs = append(errs, errors.New("email delivery requires PASSKIT_SMTP_HOST and PASSKIT_SMTP_FROM"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown delivery mode %q", c.HTTP.DeliveryMode))
	}
	if c.HTTP.IssueRequiresAdmin && c.HTTP.AdminToken == "" {
		errs = append(errs, errors.New("PASSKIT_HTTP_ISSUE_REQUIRES_ADMIN needs PASSKIT_HTTP_ADMIN_TOKEN"))
	}

	switch c.APNs.Environment {
	case APNsProduction, APNsSandbox:
	default:
		errs = append(errs, fmt.Errorf("unknown APNs environment %q", c.APNs.Environment))
	}
	if c.APNs.Concurrency < 1 {
		errs = append(errs, errors.New("PASSKIT_APNS_CONCURRENCY must be at least 1"))
	}
	if c.Ingest.Concurrency < 1 {
		errs = append(errs, errors.New("PASSKIT_INGEST_CONCURRENCY must be at least 1"))
	}

	return errors.Join(errs...)
}

// HasSignerMaterial reports whether any signing identity source is set.
func (s Signer) HasSignerMaterial() bool {
	pem := (s.CertPath != "" || s.CertBase64 != "") && (s.KeyPath != "" || s.KeyBase64 != "")
	return pem || s.P12Path != "" || s.P12Base64 != "" || s.JKSPath != "" || s.JKSBase64 != ""
}

// EmailEnabled reports whether SMTP delivery is configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.From != ""
}
