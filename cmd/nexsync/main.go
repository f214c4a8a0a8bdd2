package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/nadmax/nexsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Version = "dev"

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logFile io.Closer
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "nexsync",
		Short: "Offline-first task mutation sync engine",
		Long: `nexsync keeps a local copy of each owner's tasks, applies mutations to it
immediately and delivers them to the remote task service, queueing them in a
durable outbox while the service cannot be reached.

CONFIGURATION:
  Flags > NEXSYNC_* environment variables > config file > defaults.
  NEXSYNC_REMOTE_WEBHOOK_URL    remote REST webhook (required to sync)
  NEXSYNC_OUTBOX_BACKEND        sqlite (default) or redis
  NEXSYNC_POSTGRES_DSN          enables the attempt history`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logFile != nil {
				return a.logFile.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("db", "", "local database path (overrides NEXSYNC_DATABASE_PATH)")
	flags.String("log-file", "", "write logs to this file as well, rotated by size")
	_ = a.v.BindPFlag("database.path", flags.Lookup("db"))
	_ = a.v.BindPFlag("log.file", flags.Lookup("log-file"))

	root.AddCommand(a.serveCmd())
	root.AddCommand(a.drainCmd())
	root.AddCommand(a.refreshCmd())
	root.AddCommand(a.outboxCmd())
	root.AddCommand(a.historyCmd())

	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.Log.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stderr, rotating))
		a.logFile = rotating
	}
	return nil
}

// logger returns a logger writing where the standard logger writes.
func logger(prefix string) *log.Logger {
	return log.New(log.Writer(), prefix, log.LstdFlags)
}
