package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var profilesYAML []byte

type Config struct {
	Debug       bool
	Server      ServerConfig
	FaceService FaceServiceConfig
	Identity    IdentityConfig
	Storage     StorageConfig
	Redis       RedisConfig
	Database    DatabaseConfig
	Auth        AuthConfig
	Capture     CaptureConfig
}

type ServerConfig struct {
	Addr              string        `default:":8080"`
	ShutdownTimeout   time.Duration `default:"15s"`
	AllowedOrigins    []string      `default:"[\"*\"]"`
	MaxImageBytes     int64         `default:"10485760"`
	UploadConcurrency int           `default:"4"`
}

type FaceServiceConfig struct {
	URL            string        `default:"http://localhost:5000"`
	ProcessTimeout time.Duration `default:"15s"`
	DetectTimeout  time.Duration `default:"5s"`
}

type IdentityConfig struct {
	TokenURL      string `default:"http://binusian.ws/binusschool/auth/token"`
	EnrollmentURL string `default:"http://binusian.ws/binusschool/bss-student-enrollment"`
	// AuthHeader is sent verbatim on token requests, e.g. "Basic ...".
	AuthHeader          string
	Timeout             time.Duration `default:"10s"`
	AllowManualFallback bool
	LookupCacheTTL      time.Duration `default:"10m"`
}

type StorageConfig struct {
	Backend         string `default:"gcs"` // gcs or cloudinary
	ProjectID       string
	Bucket          string
	CredentialsFile string
	CloudinaryURL   string
	PathPrefix      string `default:"face_dataset"`
	FallbackDir     string // local directory used when the primary store fails; empty disables
	Metadata        bool   `default:"true"`
}

type RedisConfig struct {
	Addr      string // empty disables the lookup cache
	Password  string
	DB        int
	KeyPrefix string `default:"enroll"`
}

type DatabaseConfig struct {
	DSN             string // empty disables the upload audit log
	MaxOpenConns    int           `default:"10"`
	MaxIdleConns    int           `default:"5"`
	ConnMaxLifetime time.Duration `default:"1h"`
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

type CaptureConfig struct {
	Profile          string        `default:"poses"`
	RetryDelay       time.Duration `default:"800ms"`
	AllowPartial     bool
	AllowManualEntry bool
}

// Profile is a named, ordered set of capture slots.
type Profile struct {
	Name        string   `yaml:"-"`
	Description string   `yaml:"description"`
	Slots       []string `yaml:"slots"`
}

// Target is the number of images a complete capture set holds.
func (p Profile) Target() int {
	return len(p.Slots)
}

type profileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Load builds the configuration from struct defaults overlaid with the
// process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}

	envBool("DEBUG", &cfg.Debug)

	envString("HTTP_ADDR", &cfg.Server.Addr)
	envDuration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envList("CORS_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	envInt64("MAX_IMAGE_BYTES", &cfg.Server.MaxImageBytes)
	envInt("UPLOAD_CONCURRENCY", &cfg.Server.UploadConcurrency)

	envString("FACE_SERVICE_URL", &cfg.FaceService.URL)
	envDuration("FACE_SERVICE_PROCESS_TIMEOUT", &cfg.FaceService.ProcessTimeout)
	envDuration("FACE_SERVICE_DETECT_TIMEOUT", &cfg.FaceService.DetectTimeout)

	envString("IDENTITY_TOKEN_URL", &cfg.Identity.TokenURL)
	envString("IDENTITY_ENROLLMENT_URL", &cfg.Identity.EnrollmentURL)
	envString("IDENTITY_AUTH_HEADER", &cfg.Identity.AuthHeader)
	envDuration("IDENTITY_TIMEOUT", &cfg.Identity.Timeout)
	envBool("IDENTITY_MANUAL_FALLBACK", &cfg.Identity.AllowManualFallback)
	envDuration("LOOKUP_CACHE_TTL", &cfg.Identity.LookupCacheTTL)

	envString("STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("GCP_PROJECT_ID", &cfg.Storage.ProjectID)
	envString("STORAGE_BUCKET", &cfg.Storage.Bucket)
	envString("GCP_CREDENTIALS_FILE", &cfg.Storage.CredentialsFile)
	envString("CLOUDINARY_URL", &cfg.Storage.CloudinaryURL)
	envString("STORAGE_PATH_PREFIX", &cfg.Storage.PathPrefix)
	envString("STORAGE_FALLBACK_DIR", &cfg.Storage.FallbackDir)
	envBool("STORAGE_METADATA", &cfg.Storage.Metadata)

	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envString("REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)

	envString("DATABASE_DSN", &cfg.Database.DSN)
	envInt("DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)
	envDuration("DATABASE_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)

	envString("JWT_SECRET", &cfg.Auth.JWTSecret)
	envString("JWT_AUDIENCE", &cfg.Auth.JWTAudience)

	envString("CAPTURE_PROFILE", &cfg.Capture.Profile)
	envDuration("CAPTURE_RETRY_DELAY", &cfg.Capture.RetryDelay)
	envBool("CAPTURE_ALLOW_PARTIAL", &cfg.Capture.AllowPartial)
	envBool("CAPTURE_ALLOW_MANUAL_ENTRY", &cfg.Capture.AllowManualEntry)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "gcs", "cloudinary":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Server.UploadConcurrency < 1 {
		return fmt.Errorf("upload concurrency must be positive, got %d", c.Server.UploadConcurrency)
	}
	if c.Server.MaxImageBytes < 1 {
		return fmt.Errorf("max image bytes must be positive, got %d", c.Server.MaxImageBytes)
	}
	if _, err := c.CaptureProfile(); err != nil {
		return err
	}
	return nil
}

// CaptureProfile resolves the configured capture profile.
func (c *Config) CaptureProfile() (Profile, error) {
	return LookupProfile(c.Capture.Profile)
}

// LookupProfile returns the embedded profile with the given name.
func LookupProfile(name string) (Profile, error) {
	profiles, err := Profiles()
	if err != nil {
		return Profile{}, err
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown capture profile %q", name)
	}
	return p, nil
}

// Profiles parses the embedded capture profiles.
func Profiles() (map[string]Profile, error) {
	var file profileFile
	if err := yaml.Unmarshal(profilesYAML, &file); err != nil {
		return nil, fmt.Errorf("parse embedded profiles.yaml: %w", err)
	}
	for name, p := range file.Profiles {
		if len(p.Slots) == 0 {
			return nil, fmt.Errorf("capture profile %q has no slots", name)
		}
		p.Name = name
		file.Profiles[name] = p
	}
	return file.Profiles, nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// envInt keeps the default when the value is unset or not a number.
func envInt(key string, dst *int) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = n
	}
}

func envInt64(key string, dst *int64) {
	if n, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		*dst = n
	}
}

func envBool(key string, dst *bool) {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = b
	}
}

func envDuration(key string, dst *time.Duration) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		*dst = d
	}
}

func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
