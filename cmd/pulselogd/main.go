// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pulselog.io/pulselog/pkg/apikeys"
	"pulselog.io/pulselog/pkg/datastore"
	"pulselog.io/pulselog/pkg/process"
	"pulselog.io/pulselog/storage/pgstore"
)

// Config collects the pulselogd settings. The auth and rate-limit toggles
// belong to the boundary layer; the core only parses and reports them.
type Config struct {
	DatabaseURL     string
	CommitInterval  time.Duration
	CommitMaxEvents int

	AuthEnabled       bool
	APIKeyAuthEnabled bool
	RateLimitEnabled  bool

	LogDisposition string
}

var (
	// Error is the pulselogd error class.
	Error = errs.Class("pulselogd")

	rootCmd = &cobra.Command{
		Use:   "pulselogd",
		Short: "pulselogd is the event store of the pulselog activity tracker",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the event store",
		RunE:  cmdRun,
	}

	runCfg Config
)

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runCfg.DatabaseURL, "database-url", "", "postgresql:// connection string of the event store")
	flags.DurationVar(&runCfg.CommitInterval, "commit-interval", 15*time.Second, "maximum time between commit cycles")
	flags.IntVar(&runCfg.CommitMaxEvents, "commit-max-events", 100, "uncommitted events that end a commit cycle")
	flags.BoolVar(&runCfg.AuthEnabled, "auth-enabled", false, "whether the boundary enforces JWT auth")
	flags.BoolVar(&runCfg.APIKeyAuthEnabled, "api-key-auth-enabled", false, "whether the boundary validates api keys")
	flags.BoolVar(&runCfg.RateLimitEnabled, "rate-limit-enabled", false, "whether the boundary rate limits requests")
	flags.StringVar(&runCfg.LogDisposition, "log.disp", "prod", "switch to 'dev' to get more output")

	vip := viper.New()
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	vip.AutomaticEnv()
	cobra.CheckErr(vip.BindPFlags(flags))

	// env vars win over flag defaults, explicit flags win over env
	runCmd.PreRun = func(cmd *cobra.Command, args []string) {
		flags.VisitAll(func(flag *pflag.Flag) {
			if !flag.Changed && vip.IsSet(flag.Name) {
				_ = flags.Set(flag.Name, vip.GetString(flag.Name))
			}
		})
	}

	rootCmd.AddCommand(runCmd)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx()
	defer cancel()

	log, err := process.NewLogger(runCfg.LogDisposition)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if runCfg.DatabaseURL == "" {
		return Error.New("no database configured: set DATABASE_URL or --database-url")
	}

	client, err := pgstore.Open(log.Named("pgstore"), runCfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := client.MigrateSchema(); err != nil {
		log.Warn("schema migration failed (may already be applied)", zap.Error(err))
	}

	ds, err := datastore.NewWith(log.Named("datastore"), client, datastore.Config{
		DatabaseURL:     runCfg.DatabaseURL,
		CommitInterval:  runCfg.CommitInterval,
		CommitMaxEvents: runCfg.CommitMaxEvents,
	})
	if err != nil {
		return err
	}

	var keys *apikeys.Store
	if runCfg.APIKeyAuthEnabled {
		keys = apikeys.New(log.Named("apikeys"), client.DB())
		infos, err := keys.List(ctx)
		if err != nil {
			return errs.Combine(err, ds.Close())
		}
		log.Info("api key auth enabled", zap.Int("keys", len(infos)))
	}

	log.Info("event store ready",
		zap.Bool("auth", runCfg.AuthEnabled),
		zap.Bool("api_key_auth", runCfg.APIKeyAuthEnabled),
		zap.Bool("rate_limit", runCfg.RateLimitEnabled))

	<-ctx.Done()
	log.Info("shutting down")
	return ds.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.L().Fatal("pulselogd failed", zap.Error(err))
	}
}
