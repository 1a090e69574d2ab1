package config

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config stores all configuration for a measurement run.
type Config struct {
	Root           string
	Output         string
	Concurrency    int
	Timeout        time.Duration
	Dedupe         bool
	MaxRetries429  int
	MaxRetries403  int
	Decompress     bool
	UserAgent      string
	Chunking       bool
	NumChunks      int
	LogFile        string
	DebugURL       string
	RequestsPerSec float64

	MetricsAddr string
	PostgresURL string
	RedisAddr   string
}

// ErrNoRoot is returned when no root directory argument was given.
var ErrNoRoot = errors.New("config: missing root directory argument")

// Load parses command-line flags and environment variables. Flags follow the
// measurement CLI surface; deployment concerns (metrics endpoint, ledger
// backends) come from the environment only.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("urlmeter", pflag.ContinueOnError)
	fs.StringP("output", "o", "measured_sizes.csv", "CSV ledger output file")
	fs.IntP("concurrency", "j", 20, "number of concurrent fetch slots")
	fs.Int("timeout", 30, "per-request timeout in seconds")
	fs.Bool("dedupe", false, "deduplicate URLs within each group before submission")
	fs.Int("max-retries-429", 5, "max attempts for rate-limited (429) responses")
	fs.Int("max-retries-403", 3, "max attempts for forbidden (403) responses")
	fs.Bool("decompress", false, "count decoded bytes instead of wire bytes")
	fs.String("user-agent", "measure-bot/1.0", "User-Agent header to send")
	fs.BoolP("chunking", "c", false, "process groups in shuffled waves instead of all at once")
	fs.Int("num-chunks", 10, "number of waves in chunked mode")
	fs.String("log-file", "", "diagnostic log file (overrides automatic naming)")
	fs.String("debug-url", "", "measure a single URL, print the outcome and exit")
	fs.Float64("rps", 0, "global request rate limit, 0 disables")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("POSTGRES_URL", "")
	v.SetDefault("REDIS_ADDR", "")

	cfg := &Config{
		Output:         v.GetString("output"),
		Concurrency:    v.GetInt("concurrency"),
		Timeout:        time.Duration(v.GetInt("timeout")) * time.Second,
		Dedupe:         v.GetBool("dedupe"),
		MaxRetries429:  v.GetInt("max-retries-429"),
		MaxRetries403:  v.GetInt("max-retries-403"),
		Decompress:     v.GetBool("decompress"),
		UserAgent:      v.GetString("user-agent"),
		Chunking:       v.GetBool("chunking"),
		NumChunks:      v.GetInt("num-chunks"),
		LogFile:        v.GetString("log-file"),
		DebugURL:       v.GetString("debug-url"),
		RequestsPerSec: v.GetFloat64("rps"),
		MetricsAddr:    v.GetString("METRICS_ADDR"),
		PostgresURL:    v.GetString("POSTGRES_URL"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
	}

	if fs.NArg() > 0 {
		cfg.Root = fs.Arg(0)
	}
	if cfg.Root == "" && cfg.DebugURL == "" {
		return nil, ErrNoRoot
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.NumChunks < 1 {
		cfg.NumChunks = 1
	}
	return cfg, nil
}
