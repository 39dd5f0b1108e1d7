package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalpoll/daemon"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the petalpoll HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to petalpoll.yaml (default: ./petalpoll.yaml, then ~/.petalpoll/config.yaml)")
	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("long-poll-timeout", 30*time.Second, "Default wait for a pull")
	cmd.Flags().Duration("max-wait", 5*time.Minute, "Longest wait a client may request")
	cmd.Flags().Duration("idle-ttl", 10*time.Minute, "Release bindings idle this long (0 disables)")
	cmd.Flags().String("reap-schedule", "* * * * *", "Cron schedule for idle reaping (UTC)")
	cmd.Flags().String("journal", "memory", "Publish journal: none | memory | sqlite")
	cmd.Flags().String("sqlite-path", "", "SQLite journal database path")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace collector host:port")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")

	configPath, found, err := daemon.DiscoverConfigPath(explicitConfigPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if !found {
		configPath = ""
	}
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if err := daemon.ApplyEnv(&cfg, nil); err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if err := applyServeFlags(cmd, &cfg); err != nil {
		return exitError(exitConfig, "%v", err)
	}
	applyLogFlags(cmd, &cfg.Log)
	if err := cfg.Validate(); err != nil {
		return exitError(exitConfig, "invalid configuration:\n%v", err)
	}

	logger, err := daemon.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if found {
		logger.Info("loaded config", "path", configPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		return exitError(exitRuntime, "starting daemon: %v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "petalpoll listening on %s\n", cfg.Addr())
	if err := d.Run(ctx, nil); err != nil {
		return exitError(exitRuntime, "server error: %v", err)
	}
	return nil
}

// applyServeFlags overlays explicitly set flags onto cfg. Unset flags keep
// the file and environment values.
func applyServeFlags(cmd *cobra.Command, cfg *daemon.Config) error {
	flags := cmd.Flags()
	var err error
	if flags.Changed("port") {
		cfg.Listen.Port, err = flags.GetInt("port")
	}
	if err == nil && flags.Changed("host") {
		cfg.Listen.Host, err = flags.GetString("host")
	}
	if err == nil && flags.Changed("cors-origin") {
		cfg.Listen.CORSOrigin, err = flags.GetString("cors-origin")
	}
	if err == nil && flags.Changed("tls-cert") {
		cfg.Listen.TLSCert, err = flags.GetString("tls-cert")
	}
	if err == nil && flags.Changed("tls-key") {
		cfg.Listen.TLSKey, err = flags.GetString("tls-key")
	}
	if err == nil && flags.Changed("max-body") {
		cfg.Listen.MaxBody, err = flags.GetInt64("max-body")
	}
	for _, d := range []struct {
		flag string
		dst  *daemon.Duration
	}{
		{"long-poll-timeout", &cfg.Poll.Timeout},
		{"max-wait", &cfg.Poll.MaxWait},
		{"idle-ttl", &cfg.Sessions.IdleTTL},
	} {
		if err != nil || !flags.Changed(d.flag) {
			continue
		}
		var v time.Duration
		v, err = flags.GetDuration(d.flag)
		*d.dst = daemon.Duration(v)
	}
	if err == nil && flags.Changed("reap-schedule") {
		cfg.Sessions.ReapSchedule, err = flags.GetString("reap-schedule")
	}
	if err == nil && flags.Changed("journal") {
		cfg.Journal.Driver, err = flags.GetString("journal")
	}
	if err == nil && flags.Changed("sqlite-path") {
		cfg.Journal.DSN, err = flags.GetString("sqlite-path")
		if err == nil && !flags.Changed("journal") {
			cfg.Journal.Driver = daemon.JournalSQLite
		}
	}
	if err == nil && flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, err = flags.GetString("otlp-endpoint")
	}
	return err
}

// applyLogFlags honors the root --log-level, --log-format and --verbose flags.
func applyLogFlags(cmd *cobra.Command, cfg *daemon.LogConfig) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Format, _ = flags.GetString("log-format")
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Level = "debug"
	}
}
