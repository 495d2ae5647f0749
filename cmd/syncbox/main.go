package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/edgepos/syncbox/internal/db"
	"github.com/edgepos/syncbox/internal/device"
	"github.com/edgepos/syncbox/internal/notify"
	"github.com/edgepos/syncbox/internal/sync"
	"github.com/edgepos/syncbox/internal/version"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	defaultDBPath  = filepath.Join(home, ".syncbox", "operations.db")
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "syncbox",
	Short:   "Offline-first sync engine for partner POS devices",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := sync.Config{
			DBPath:           viper.GetString("db_path"),
			Workers:          viper.GetInt("workers"),
			DispatchInterval: viper.GetDuration("dispatch_interval"),
			SweepInterval:    viper.GetDuration("sweep_interval"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		database, err := db.NewSqliteDb(db.WithPath(cfg.DBPath))
		if err != nil {
			return err
		}

		notifier, err := buildNotifier()
		if err != nil {
			return err
		}

		domains := sync.NewDomainRegistry()
		svc, err := sync.NewService(database, domains, device.AllowAll{}, notifier, cfg)
		if err != nil {
			database.Close()
			return err
		}

		ctx := cmd.Context()
		svc.Start(ctx)
		<-ctx.Done()

		slog.Info("shutting down")
		defer slog.Info("Bye!")
		return svc.Stop()
	},
}

func buildNotifier() (notify.Notifier, error) {
	var emailCfg notify.EmailConfig
	if err := viper.UnmarshalKey("email", &emailCfg); err != nil {
		return nil, err
	}
	if !emailCfg.Enabled {
		return notify.NewSlogNotifier(), nil
	}
	n, err := notify.NewEmailNotifier(emailCfg)
	if err != nil {
		return nil, err
	}
	slog.Info("email alerts enabled", "config", emailCfg)
	return n, nil
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("db", "d", defaultDBPath, "Path to the operations database")
	rootCmd.Flags().IntP("workers", "w", 4, "Dispatcher worker count")
	rootCmd.Flags().Duration("dispatch-interval", time.Second, "Delay between dispatcher fill passes")
	rootCmd.Flags().Duration("sweep-interval", time.Minute, "Delay between staleness sweeps")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the config file")
}

func main() {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".syncbox"))
		viper.AddConfigPath(filepath.Join(home, ".config/syncbox"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return err
		}
	}

	viper.BindPFlag("db_path", cmd.Flags().Lookup("db"))
	viper.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	viper.BindPFlag("dispatch_interval", cmd.Flags().Lookup("dispatch-interval"))
	viper.BindPFlag("sweep_interval", cmd.Flags().Lookup("sweep-interval"))

	viper.SetEnvPrefix("SYNCBOX")
	viper.AutomaticEnv()

	return nil
}
