package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nadmax/nexsync/internal/api"
	"github.com/nadmax/nexsync/internal/middleware"
	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/repository/postgres"
	"github.com/nadmax/nexsync/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the drain loop and the HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openStorage(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.connect(); err != nil {
				return err
			}

			go e.worker.Start(ctx)
			defer e.worker.Stop()
			e.worker.Trigger()

			go startMetricsCollector(ctx, e.queue)

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/api/", api.NewAPI(e.coord, e.store, e.queue, e.worker))

			srv := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           middleware.MetricsMiddleware(mux),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Printf("failed to shut down server: %v", err)
				}
			}()

			log.Printf("Server starting on %s (outbox backend: %s)", a.cfg.HTTP.Addr, a.cfg.Outbox.Backend)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			log.Println("Shutting down...")
			return nil
		},
	}
}

func (a *app) drainCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay every ready outbox entry once and exit",
		Long: `Replay every ready outbox entry once and exit.

Do not run drain while "nexsync serve" is using the same database or Redis
outbox. The two processes do not coordinate, so both may replay the same
entries and the remote can receive a mutation twice. Stop serve first, or
trigger a pass through POST /api/sync/flush instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStorage(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.connect(); err != nil {
				return err
			}

			res, err := e.worker.Flush(cmd.Context())
			if err != nil && !errors.Is(err, worker.ErrDrainIncomplete) {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			} else {
				fmt.Fprintf(out, "attempted %d, delivered %d, retrying %d, failed %d\n",
					res.Attempted, res.Succeeded, res.Retried, res.Failed)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func (a *app) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <owner>",
		Short: "Replace an owner's local tasks with the remote list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStorage(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.connect(); err != nil {
				return err
			}

			n, err := e.coord.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d tasks for owner %s\n", n, args[0])
			return nil
		},
	}
}

func (a *app) outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and clean up the outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show entry counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStorage(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			counts, err := e.queue.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			owners, err := e.queue.PendingOwners(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "pending\t%d\n", counts[outbox.StatusPending])
			fmt.Fprintf(tw, "completed\t%d\n", counts[outbox.StatusCompleted])
			fmt.Fprintf(tw, "failed\t%d\n", counts[outbox.StatusFailed])
			fmt.Fprintf(tw, "owners waiting\t%d\n", len(owners))
			return tw.Flush()
		},
	})

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"failed"},
		Short:   "List entries of one status with their last error",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStorage(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.queue.ListByStatus(cmd.Context(), outbox.Status(status), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tTASK\tOWNER\tRETRIES\tCREATED\tLAST ERROR")
			for _, en := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					en.ID, en.Kind.Name(), en.TaskID, en.OwnerID, en.RetryCount, en.MaxRetries,
					en.CreatedAt.Format(time.RFC3339), en.LastError)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", string(outbox.StatusFailed), "pending, completed or failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries to show (0 for all)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:       "clear <completed|failed|all>",
		Short:     "Delete completed entries, exhausted failures or everything",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"completed", "failed", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStorage(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			var n int
			switch args[0] {
			case "completed":
				n, err = e.queue.ClearCompleted(cmd.Context())
			case "failed":
				n, err = e.queue.ClearFailedExhausted(cmd.Context())
			case "all":
				n, err = e.queue.ClearAll(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
			return nil
		},
	})

	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the outbox attempt history (requires postgres.dsn)",
	}

	var (
		opts  postgres.ReportOptions
		since time.Duration
	)
	report := &cobra.Command{
		Use:   "report",
		Short: "Write a CSV or JSON report of outbox activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Postgres.DSN == "" {
				return errors.New("postgres.dsn is required for history reports")
			}

			e, err := openStorage(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			if since > 0 {
				opts.End = time.Now()
				opts.Start = opts.End.Add(-since)
			}

			path, err := postgres.NewReportGenerator(e.history.DB()).Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	flags := report.Flags()
	flags.StringVar(&opts.ReportType, "type", postgres.ReportEntrySummary,
		"one of "+strings.Join(postgres.ReportTypes(), ", "))
	flags.StringVar(&opts.Format, "format", "csv", "csv or json")
	flags.StringVar(&opts.OutputPath, "output", "./reports", "output directory")
	flags.DurationVar(&since, "since", 24*time.Hour, "report period ending now")
	cmd.AddCommand(report)

	return cmd
}
