// Package config gathers settings for the cache tools from defaults, an
// optional YAML file and SCHOLCACHE_* environment variables, in that order.
// Credentials are never compiled in.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/miku/scholcache/fetch"
	"github.com/miku/scholcache/kvcache"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to all environment variable names.
const EnvPrefix = "SCHOLCACHE_"

// Config for the cache tools.
type Config struct {
	// CacheDir holds one file per namespace.
	CacheDir string `yaml:"cache_dir"`
	// MaxRetries is a generic retry count, after the first attempt.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// RateLimitDelay is the pause after a "too many requests" answer.
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
	// Timeout is a generic request timeout.
	Timeout time.Duration `yaml:"timeout"`
	// Workers bounds parallel fetches in batch operations.
	Workers   int    `yaml:"workers"`
	UserAgent string `yaml:"user_agent"`
	Aminer    Aminer `yaml:"aminer"`
	LLM       LLM    `yaml:"llm"`
	DBLP      DBLP   `yaml:"dblp"`
}

// Aminer open platform settings.
type Aminer struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// LLM holds settings for an OpenAI compatible chat completion endpoint.
type LLM struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DBLP search settings.
type DBLP struct {
	Endpoint string `yaml:"endpoint"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		CacheDir:       kvcache.DefaultDir(),
		MaxRetries:     fetch.DefaultMaxRetries,
		RetryDelay:     fetch.DefaultDelay,
		RateLimitDelay: fetch.DefaultRateLimitDelay,
		Timeout:        15 * time.Second,
		Workers:        4,
		UserAgent:      "scholcache/dev",
		Aminer: Aminer{
			Endpoint: "https://datacenter.aminer.cn/gateway/open_platform/api",
		},
		LLM: LLM{
			Endpoint: "https://open.bigmodel.cn/api/paas/v4/chat/completions",
			Model:    "glm-4.5v",
			Timeout:  60 * time.Second,
		},
		DBLP: DBLP{
			Endpoint: "https://dblp.org",
		},
	}
}

// Load returns the defaults, overridden by the YAML file at path (if path
// is not empty) and by the environment.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"CACHE_DIR":       &c.CacheDir,
		"USER_AGENT":      &c.UserAgent,
		"AMINER_ENDPOINT": &c.Aminer.Endpoint,
		"AMINER_TOKEN":    &c.Aminer.Token,
		"LLM_ENDPOINT":    &c.LLM.Endpoint,
		"LLM_API_KEY":     &c.LLM.APIKey,
		"LLM_MODEL":       &c.LLM.Model,
		"DBLP_ENDPOINT":   &c.DBLP.Endpoint,
	}
	for k, p := range strs {
		if v, ok := lookup(EnvPrefix + k); ok {
			*p = v
		}
	}
	ints := map[string]*int{
		"MAX_RETRIES": &c.MaxRetries,
		"WORKERS":     &c.Workers,
	}
	for k, p := range ints {
		if v, ok := lookup(EnvPrefix + k); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, k, err)
			}
			*p = n
		}
	}
	durations := map[string]*time.Duration{
		"RETRY_DELAY":      &c.RetryDelay,
		"RATE_LIMIT_DELAY": &c.RateLimitDelay,
		"TIMEOUT":          &c.Timeout,
		"LLM_TIMEOUT":      &c.LLM.Timeout,
	}
	for k, p := range durations {
		if v, ok := lookup(EnvPrefix + k); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, k, err)
			}
			*p = d
		}
	}
	return nil
}

// Retrier returns a retrier for a call site, using the configured budget
// and delays.
func (c *Config) Retrier(name string, policy fetch.RateLimitPolicy) *fetch.Retrier {
	return &fetch.Retrier{
		Name:            name,
		MaxRetries:      c.MaxRetries,
		Delay:           c.RetryDelay,
		RateLimitDelay:  c.RateLimitDelay,
		RateLimitPolicy: policy,
	}
}
