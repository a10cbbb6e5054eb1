package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tmwalaszek/artimport/artimport"
	"github.com/tmwalaszek/artimport/artimport/inventory"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Workers     int    = artimport.DefaultWorkers
	TopFailures int    = 5
	LogFormat   string = "console"
)

// app carries what PersistentPreRunE sets up for every command.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
	inv    inventory.Inventory
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = NewRootCmd()

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func defaultPaths() (string, string) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".artimport", "artimport.yaml"), filepath.Join(home, ".artimport", "test_results.db")
}

func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	defaultConfFile, defaultDbFile := defaultPaths()

	cmd := &cobra.Command{
		Use:   "artimport [directory]",
		Short: "Import test campaign artefacts into SQLite",
		Long: `artimport walks a test output tree (<campaign>/<test_dir>/<artefacts>),
fingerprints every artefact and loads params, status and combined CSV
rows into a SQLite store. Re-runs only import files whose content changed.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.initConfig(cmd); err != nil {
				return err
			}

			if err := a.initLogger(); err != nil {
				return err
			}

			inv, err := inventory.NewInventory("sqlite", a.v.GetString("db"), inventory.WithLogger(a.logger))
			if err != nil {
				return fmt.Errorf("Can't open inventory: %w", err)
			}

			a.inv = inv
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// PersistentPostRun is skipped when RunE fails.
			defer a.close()

			return a.runImport(cmd, args)
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", defaultConfFile, "config file")
	pf.String("db", defaultDbFile, "SQLite database path")
	pf.BoolP("verbose", "v", false, "Debug logging")
	pf.String("log-format", LogFormat, "Log encoding: console or json")

	f := cmd.Flags()
	f.Bool("full", false, "Full import (re-process all files, ignore hash checks)")
	f.Bool("summary", false, "Print database summary only (do not import)")
	f.IntP("workers", "w", Workers, "Number of files hashed concurrently")
	f.String("test-prefix", artimport.DefaultTestPrefix, "Name prefix of test directories")
	f.String("name-separator", artimport.DefaultNameSeparator, "Separator before the test name in test directory names")
	f.Bool("watch", false, "Keep watching the directory and re-import on changes")
	f.Duration("debounce", artimport.DefaultDebounce, "Quiet period before a watch triggered import")
	f.Int("top-failures", TopFailures, "Number of most common failure messages in the summary")

	for key, flag := range map[string]string{
		"config":         "config",
		"db":             "db",
		"verbose":        "verbose",
		"log_format":     "log-format",
		"full":           "full",
		"summary":        "summary",
		"workers":        "workers",
		"test_prefix":    "test-prefix",
		"name_separator": "name-separator",
		"watch":          "watch",
		"debounce":       "debounce",
		"top_failures":   "top-failures",
	} {
		fl := pf.Lookup(flag)
		if fl == nil {
			fl = f.Lookup(flag)
		}

		a.v.BindPFlag(key, fl)
	}

	cmd.AddCommand(NewShowCmd(a), NewDeleteCmd(a))
	return cmd
}

// initConfig reads in config file and ENV variables if set.
func (a *app) initConfig(cmd *cobra.Command) error {
	a.v.SetEnvPrefix("ARTIMPORT")
	a.v.AutomaticEnv()

	cfgFile := a.v.GetString("config")
	if cfgFile == "" {
		return nil
	}

	a.v.SetConfigFile(cfgFile)
	a.v.SetConfigType("yaml")

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("Could not load artimport config file: %w", err)
	}

	return nil
}

func (a *app) initLogger() error {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format := a.v.GetString("log_format"); format {
	case "json":
	case "console":
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return fmt.Errorf("Unknown log format %q", format)
	}

	if a.v.GetBool("verbose") {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("Can't initialize logger: %w", err)
	}

	a.logger = logger
	return nil
}

func (a *app) close() {
	if a.inv != nil {
		if err := a.inv.Close(); err != nil && a.logger != nil {
			a.logger.Warn("Can't close inventory", zap.Error(err))
		}

		a.inv = nil
	}

	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	reporter := artimport.NewSummaryReporter(a.inv, a.v.GetInt("top_failures"))

	if a.v.GetBool("summary") {
		_, err := reporter.Report(ctx, out)
		return err
	}

	if len(args) != 1 {
		return errors.New("Output directory argument is required")
	}
	root := args[0]

	scanner := artimport.NewScanner(a.v.GetString("test_prefix"), a.v.GetString("name_separator"), a.logger)
	im := artimport.NewImporter(a.inv,
		artimport.WithLogger(a.logger),
		artimport.WithScanner(scanner),
		artimport.WithWorkers(a.v.GetInt("workers")))

	report, err := im.ImportDirectory(ctx, root, !a.v.GetBool("full"))
	if err != nil {
		return err
	}

	fmt.Fprint(out, report)
	if _, err := reporter.Report(ctx, out); err != nil {
		return err
	}

	if !a.v.GetBool("watch") {
		return nil
	}

	w, err := artimport.NewWatcher(im, root, a.v.GetDuration("debounce"))
	if err != nil {
		return fmt.Errorf("Can't watch %s: %w", root, err)
	}
	defer w.Close()

	return w.Run(ctx, func(report *artimport.RunReport, err error) {
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Error("Watch import failed", zap.Error(err))
			}

			return
		}

		fmt.Fprint(out, report)
	})
}
