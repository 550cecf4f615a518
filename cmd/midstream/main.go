// midstream aggregates real-time trades and spreads from cryptocurrency
// exchanges, derives a volume-weighted true mid price per symbol and persists
// every stream to PostgreSQL.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/midstreamhq/midstream/internal/config"
)

// addExchangeFlag registers the venue selector shared by seed-markets and
// watch.
func addExchangeFlag(fs *pflag.FlagSet, usage string) {
	fs.String("exchange", "", usage)
}

const (
	appName = "midstream"
	version = "v1.2.0"
)

func main() {
	setupLogging()

	var configPath string

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Real-time true-mid-price aggregation across cryptocurrency exchanges",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	seedCmd := &cobra.Command{
		Use:   "seed-markets",
		Short: "Load market listings and upsert symbols and mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			venue, _ := cmd.Flags().GetString("exchange")
			return runSeed(cmd.Context(), configPath, venue)
		},
	}
	addExchangeFlag(seedCmd.Flags(), "Seed a single exchange instead of all")

	watchCmd := &cobra.Command{
		Use:   "watch SYMBOL",
		Short: "Ad-hoc run of producers for one (exchange, symbol) pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			venue, _ := cmd.Flags().GetString("exchange")
			kind, _ := cmd.Flags().GetString("kind")
			return runWatch(cmd.Context(), configPath, venue, args[0], kind)
		},
	}
	addExchangeFlag(watchCmd.Flags(), "Exchange to watch (required)")
	watchCmd.Flags().String("kind", "both", "Stream kind: trades, spreads or both")
	watchCmd.MarkFlagRequired("exchange")

	combineCmd := &cobra.Command{
		Use:   "combine SYMBOL [SYMBOL...]",
		Short: "Run the full pipeline for every available venue of each symbol",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCombine(cmd.Context(), configPath, args)
		},
	}

	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the read-only true-mid-price HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(cmd.Context(), configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(seedCmd, watchCmd, combineCmd, apiCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, config.ErrConfig) {
			log.Error().Err(err).Msg("misconfiguration")
			os.Exit(2)
		}
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339

	if jsonOut, _ := strconv.ParseBool(os.Getenv("LOG_JSON")); !jsonOut {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			fmt.Fprintf(os.Stderr, "unknown LOG_LEVEL %q, using info\n", v)
		} else {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
}
