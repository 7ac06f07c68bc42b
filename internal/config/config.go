package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Client    ClientConfig    `mapstructure:"client"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Session   SessionConfig   `mapstructure:"session"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Environment     string        `mapstructure:"environment"`
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BackendConfig describes the remote REST backend. The two base URLs are
// also read from API_BASE_URL and DASHBOARD_BASE_URL without the prefix.
type BackendConfig struct {
	APIBaseURL       string `mapstructure:"api_base_url"`
	DashboardBaseURL string `mapstructure:"dashboard_base_url"`
	LoginPath        string `mapstructure:"login_path"`
	RefreshPath      string `mapstructure:"refresh_path"`
	LogoutPath       string `mapstructure:"logout_path"`
}

type ClientConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	Retries        int           `mapstructure:"retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

type ProxyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	Store         string        `mapstructure:"store"`
	CookiePrefix  string        `mapstructure:"cookie_prefix"`
	CookieDomain  string        `mapstructure:"cookie_domain"`
	CookieSecure  bool          `mapstructure:"cookie_secure"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RateLimitConfig holds one token bucket per route group. Proxy writes
// and logins are keyed by client IP in separate buckets.
type RateLimitConfig struct {
	ProxyWrite BucketConfig `mapstructure:"proxy_write"`
	Login      BucketConfig `mapstructure:"login"`
}

// BucketConfig refills Rate tokens per second up to Burst.
type BucketConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("backend.api_base_url", "http://localhost:8000")
	v.SetDefault("backend.dashboard_base_url", "http://localhost:3000/dashboard")
	v.SetDefault("backend.login_path", "/auth/login")
	v.SetDefault("backend.refresh_path", "/auth/refresh")
	v.SetDefault("backend.logout_path", "/auth/logout")

	v.SetDefault("client.timeout", 15*time.Second)
	v.SetDefault("client.retries", 2)
	v.SetDefault("client.backoff_base", 300*time.Millisecond)
	v.SetDefault("client.backoff_cap", 5*time.Second)
	v.SetDefault("client.refresh_timeout", 10*time.Second)

	v.SetDefault("proxy.timeout", 30*time.Second)

	v.SetDefault("session.store", "cookie")
	v.SetDefault("session.cookie_prefix", "apigate_")
	v.SetDefault("session.cookie_secure", false)
	v.SetDefault("session.idle_ttl", 30*time.Minute)
	v.SetDefault("session.sweep_interval", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("ratelimit.proxy_write.rate", 20)
	v.SetDefault("ratelimit.proxy_write.burst", 40)
	v.SetDefault("ratelimit.login.rate", 0.2)
	v.SetDefault("ratelimit.login.burst", 5)
	v.SetDefault("cors.allow_origins", []string{"http://localhost:3000"})
}

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("APIGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("backend.api_base_url", "API_BASE_URL")
	_ = v.BindEnv("backend.dashboard_base_url", "DASHBOARD_BASE_URL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	cfg.Backend.APIBaseURL = strings.TrimRight(cfg.Backend.APIBaseURL, "/")

	return &cfg
}
