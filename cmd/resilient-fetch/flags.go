package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	resilience "github.com/JohnPlummer/jp-go-resilient-http"
)

// Environment variables consulted for flag defaults. A .env file in the working directory is
// loaded first.
const (
	envTimeout      = "RESILIENT_FETCH_TIMEOUT"
	envRetries      = "RESILIENT_FETCH_RETRIES"
	envInitialDelay = "RESILIENT_FETCH_INITIAL_DELAY"
)

// Flags holds the parsed command line.
type Flags struct {
	Method          string
	Data            string
	DataFile        string
	RequestIDHeader string
	Headers         []string
	RetryStatuses   []int
	Timeout         time.Duration
	InitialDelay    time.Duration
	BackoffFactor   float64
	Rate            float64
	Retries         int
	Gzip            bool
	Breaker         bool
	Preflight       bool
	Verbose         bool
}

// NewFlags returns an empty Flags. Defaults are applied by NewFlagSet.
func NewFlags() *Flags {
	return &Flags{}
}

// NewFlagSet binds every flag to f.
func (f *Flags) NewFlagSet() *pflag.FlagSet {
	defaults := resilience.DefaultOptions()

	flagSet := &pflag.FlagSet{}
	flagSet.StringVarP(&f.Method, "method", "X", "GET",
		"HTTP method.")
	flagSet.StringArrayVarP(&f.Headers, "header", "H", nil,
		"Request header as 'Name: value'. Repeatable.")
	flagSet.StringVarP(&f.Data, "data", "d", "",
		"Request body.")
	flagSet.StringVar(&f.DataFile, "data-file", "",
		"Read the request body from this file. Overrides --data.")
	flagSet.DurationVar(&f.Timeout, "timeout",
		envDuration(envTimeout, defaults.TimeoutPerAttempt),
		"Timeout of a single attempt, including receipt of the full response.\n"+
			"Env: "+envTimeout)
	flagSet.IntVar(&f.Retries, "retries",
		envInt(envRetries, defaults.MaxRetries),
		"Additional attempts after the first.\n"+
			"Env: "+envRetries)
	flagSet.DurationVar(&f.InitialDelay, "initial-delay",
		envDuration(envInitialDelay, defaults.InitialRetryDelay),
		"Delay before the second attempt.\n"+
			"Env: "+envInitialDelay)
	flagSet.Float64Var(&f.BackoffFactor, "backoff-factor", defaults.BackoffFactor,
		"Multiplier applied to the delay after each retry.")
	flagSet.IntSliceVar(&f.RetryStatuses, "retry-status", defaults.RetryableStatusCodes,
		"Response statuses that are retried.")
	flagSet.StringVar(&f.RequestIDHeader, "request-id-header", "",
		"Stamp this header with one UUID per request, reused across attempts.")
	flagSet.BoolVar(&f.Gzip, "gzip", false,
		"Gzip the request body.")
	flagSet.Float64Var(&f.Rate, "rate", 0,
		"Maximum attempts per second across all URLs. 0 means unlimited.")
	flagSet.BoolVar(&f.Breaker, "breaker", false,
		"Route attempts through a circuit breaker shared by all URLs.")
	flagSet.BoolVar(&f.Preflight, "preflight", true,
		"Resolve each host before the request and report 'offline' when that fails.")
	flagSet.BoolVarP(&f.Verbose, "verbose", "v", false,
		"Log every attempt.")

	return flagSet
}

// Options converts the flags into executor options.
func (f *Flags) Options() []resilience.Option {
	return []resilience.Option{
		resilience.WithTimeoutPerAttempt(f.Timeout),
		resilience.WithMaxRetries(f.Retries),
		resilience.WithInitialRetryDelay(f.InitialDelay),
		resilience.WithBackoffFactor(f.BackoffFactor),
		resilience.WithRetryableStatusCodes(f.RetryStatuses...),
		resilience.WithRequestIDHeader(f.RequestIDHeader),
	}
}

// Limiter returns the shared rate limiter, or nil when --rate is 0.
func (f *Flags) Limiter() *rate.Limiter {
	if f.Rate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(f.Rate), 1)
}

// Body returns the request body from --data-file or --data.
func (f *Flags) Body() ([]byte, error) {
	if f.DataFile != "" {
		return os.ReadFile(f.DataFile)
	}
	if f.Data == "" {
		return nil, nil
	}
	return []byte(f.Data), nil
}

// Header parses the --header values.
func (f *Flags) Header() (map[string][]string, error) {
	header := make(map[string][]string, len(f.Headers))
	for _, h := range f.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		name = strings.TrimSpace(name)
		header[name] = append(header[name], strings.TrimSpace(value))
	}
	return header, nil
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
