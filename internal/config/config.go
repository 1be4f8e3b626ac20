package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config carries everything the server needs at startup. Tunables come from
// the optional YAML file; deployment wiring comes from the environment, which
// always wins over the file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Jobber    JobberConfig    `yaml:"jobber"`
	Listeners ListenersConfig `yaml:"listeners"`
	Google    GoogleConfig    `yaml:"google"`
	AWS       AWSConfig       `yaml:"aws"`
	LLM       LLMConfig       `yaml:"llm"`
	Vector    VectorConfig    `yaml:"vector"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
	DB       int    `yaml:"db"`
	UseLocal bool   `yaml:"use_local"`
}

// Addr returns host:port, honoring the local-override flag.
func (r RedisConfig) Addr() string {
	if r.UseLocal {
		return "127.0.0.1:6379"
	}
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

type DatabaseConfig struct {
	// URL is the direct Postgres connection string; preferred.
	URL string `yaml:"url"`
	// SecretName is the fallback secret holding the connection string.
	SecretName string `yaml:"secret_name"`
}

type JobberConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ListenersConfig struct {
	// URL is the externally reachable base used to build callback URLs.
	URL string `yaml:"url"`
	// CallbackKey is the pre-shared bearer key the Jobber presents on callbacks.
	CallbackKey string `yaml:"callback_key"`
}

type GoogleConfig struct {
	ProjectID            string `yaml:"project_id"`
	ServiceAccountJSON   string `yaml:"-"`
	ServiceAccountB64    string `yaml:"-"`
	ServiceAccountSecret string `yaml:"service_account_secret"`
}

type AWSConfig struct {
	SecretName string `yaml:"secret_name"`
}

type LLMConfig struct {
	APIKeySecret string `yaml:"api_key_secret"`
	Model        string `yaml:"model"`
}

type VectorConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	// APIKeys maps key id → bcrypt hash of the secret half. Keys follow the
	// pnk_<id>.<secret> format.
	APIKeys map[string]APIKeyEntry `yaml:"api_keys"`
}

type APIKeyEntry struct {
	SecretHash string `yaml:"secret_hash"`
	UserID     string `yaml:"user_id"`
}

// Load reads the YAML file (if path is non-empty and the file exists) and then
// overlays the recognized environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Jobber.URL, "HR_JOBBER_URL")
	setStr(&c.Jobber.APIKey, "HR_JOBBER_API_KEY")
	if v := os.Getenv("HR_JOBBER_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Jobber.TimeoutSeconds = n
		}
	}
	setStr(&c.Listeners.URL, "LISTENERS_URL")
	setStr(&c.Listeners.CallbackKey, "LISTENERS_CALLBACK_KEY")
	setStr(&c.Database.URL, "NEON_DATABASE_URL")
	setStr(&c.Database.SecretName, "NEON_SECRET_NAME")

	if strings.EqualFold(os.Getenv("USE_LOCAL_REDIS"), "true") {
		c.Redis.UseLocal = true
	}
	setStr(&c.Redis.Host, "LISTENERS_REDIS_HOST")
	setStr(&c.Redis.Port, "LISTENERS_REDIS_PORT")
	setStr(&c.Redis.Password, "LISTENERS_REDIS_PASSWORD")
	if strings.EqualFold(os.Getenv("LISTENERS_REDIS_TLS"), "true") {
		c.Redis.TLS = true
	}
	if v := os.Getenv("LISTENERS_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}

	setStr(&c.Google.ServiceAccountJSON, "GOOGLE_SERVICE_ACCOUNT_JSON")
	setStr(&c.Google.ServiceAccountB64, "GOOGLE_SERVICE_ACCOUNT_B64")
	setStr(&c.Google.ServiceAccountSecret, "GOOGLE_SERVICE_ACCOUNT_SECRET")
	setStr(&c.Google.ProjectID, "GOOGLE_PROJECT_ID")
	setStr(&c.AWS.SecretName, "AWS_SECRET_NAME")

	setStr(&c.LLM.Model, "LLM_MODEL")
	setStr(&c.LLM.APIKeySecret, "LLM_API_KEY_SECRET")
	setStr(&c.Vector.URL, "CHROMA_URL")

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = c.Server.AllowedOrigins[:0]
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}
	setStr(&c.Server.Env, "APP_ENV")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Jobber.TimeoutSeconds <= 0 {
		c.Jobber.TimeoutSeconds = 30
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-sonnet-4-20250514"
	}
}

func setStr(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
