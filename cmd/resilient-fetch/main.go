// Command resilient-fetch performs HTTP requests with per-attempt timeouts, retries and
// exponential backoff, printing each response or a classified failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	resilience "github.com/JohnPlummer/jp-go-resilient-http"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "resilient-fetch [flags] URL...",
	Short: "Fetch URLs with timeouts, retries and backoff",
	Long: "Fetch one or more URLs concurrently. Every attempt is bounded by --timeout; " +
		"transient failures are retried with exponential backoff.",
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

var flagsFetch = NewFlags()

func init() {
	// Flag defaults read the environment, so .env must be loaded first.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("loading .env: %v", err)
	}

	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().AddFlagSet(flagsFetch.NewFlagSet())
}

func run(cmd *cobra.Command, args []string) error {
	loggerOpt := &slog.HandlerOptions{}
	if flagsFetch.Verbose {
		loggerOpt.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, loggerOpt))

	header, err := flagsFetch.Header()
	if err != nil {
		return err
	}
	body, err := flagsFetch.Body()
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}

	httpIssuer := resilience.NewHTTPIssuer(&http.Client{})
	httpIssuer.Compress = flagsFetch.Gzip

	var issuer resilience.Issuer = httpIssuer
	if limiter := flagsFetch.Limiter(); limiter != nil {
		issuer = resilience.NewRateLimitedIssuer(issuer, limiter)
	}

	var (
		executor *resilience.Executor
		breaker  *resilience.CircuitBreakerIssuer
	)
	if flagsFetch.Breaker {
		cbConfig := resilience.DefaultCircuitBreakerConfig()
		cbConfig.Name = "resilient-fetch"
		executor, breaker = resilience.CombineExecutorAndCircuitBreaker(issuer, cbConfig, logger, flagsFetch.Options()...)
	} else {
		opts := append(flagsFetch.Options(),
			resilience.WithObserver(resilience.NewLogObserver(logger)))
		executor = resilience.NewExecutor(issuer, opts...)
	}

	options := executor.Options()
	if err := options.Validate(); err != nil {
		return err
	}
	logger.Debug("executor configured",
		"max_attempts", options.MaxAttempts(),
		"worst_case_latency", executor.WorstCaseLatency())

	var resolver Resolver
	if flagsFetch.Preflight {
		resolver = net.DefaultResolver
	}

	fetcher := NewFetcher(executor, resolver, cmd.OutOrStdout(), logger)
	err = fetcher.Run(cmd.Context(), resilience.Request{
		Method: flagsFetch.Method,
		Header: header,
		Body:   body,
	}, args)
	logBreakerHealth(logger, breaker)
	return err
}

// logBreakerHealth reports the breaker's final counts at debug level. A nil breaker is skipped.
func logBreakerHealth(logger *slog.Logger, breaker *resilience.CircuitBreakerIssuer) {
	if breaker == nil {
		return
	}
	health := breaker.GetHealth()
	logger.Debug("circuit breaker health",
		"name", health.Name,
		"state", health.State,
		"healthy", health.Healthy,
		"requests", health.Requests,
		"total_failures", health.TotalFailures)
}

func main() {
	// Initializing context with cancel for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		log.Printf("stopping resilient-fetch: %v\n", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}
