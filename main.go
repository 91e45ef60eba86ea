package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mlscache/config"
	"mlscache/httputil"
	"mlscache/logging"
	"mlscache/mls"
	"mlscache/models"
	"mlscache/scheduler"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		cfg     *config.Config
		logFile *logging.RotatingWriter
		backend string
	)

	rootCmd := &cobra.Command{
		Use:           "mlscache",
		Short:         "Brokerage listing cache refresher",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if backend != "" {
				cfg.Backend = strings.ToLower(backend)
			}
			logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
			if cmd.Name() == "daemon" {
				logFile, err = logging.Setup(cfg.LogFile)
				if err != nil {
					log.Printf("Warning: could not set up file logging: %v", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logFile != nil {
				logFile.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "cache backend: postgres, supabase or sqlite (overrides CACHE_BACKEND)")

	withApp := func(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(ctx, a, cmd, args)
		}
	}

	rootCmd.AddCommand(
		daemonCmd(withApp),
		refreshCmd(withApp),
		clearCmd(withApp),
		queueCmd(withApp, "pause", "Pause scheduled refreshes in the running daemon", models.CmdPause),
		queueCmd(withApp, "resume", "Resume scheduled refreshes in the running daemon", models.CmdResume),
		getCmd(withApp),
		searchCmd(withApp),
		listCmd(withApp),
		runsCmd(withApp),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type appRunner func(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error

func daemonCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled refreshes and process queued commands",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			log.Println("Starting mlscache daemon...")
			log.Printf("Statuses: %s; routes: %s", strings.Join(a.cfg.Feed.Statuses, ", "), strings.Join(a.cfg.Feed.Routes, ", "))

			sched := scheduler.New(a.cfg.Scheduler, a.orch, a.ops)
			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			log.Println("Daemon running. Press Ctrl+C to stop.")
			<-ctx.Done()

			log.Println("Shutting down...")
			sched.Stop()
			log.Println("Goodbye!")
			return nil
		}),
	}
}

func refreshCmd(withApp appRunner) *cobra.Command {
	var queue bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh cycle now",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if queue {
				return enqueue(ctx, a, models.CmdRefreshNow)
			}
			run, err := a.orch.Run(ctx, models.TriggerManual)
			if run != nil {
				printRun(run)
			}
			if err != nil {
				return err
			}
			if !run.Success {
				return fmt.Errorf("refresh %s completed with partial results", run.ID)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&queue, "queue", false, "hand the refresh to the running daemon instead")
	return cmd
}

func clearCmd(withApp appRunner) *cobra.Command {
	var queue bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached listing",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if queue {
				return enqueue(ctx, a, models.CmdClearCache)
			}
			n, err := a.orch.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d cached listings\n", n)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&queue, "queue", false, "hand the clear to the running daemon instead")
	return cmd
}

func queueCmd(withApp appRunner, use, short string, command models.CommandType) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			return enqueue(ctx, a, command)
		}),
	}
}

func enqueue(ctx context.Context, a *app, command models.CommandType) error {
	id, err := a.ops.EnqueueCommand(ctx, command, nil)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", command, err)
	}
	fmt.Printf("Queued %s (command %d)\n", command, id)
	return nil
}

func getCmd(withApp appRunner) *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "get <listing-id-or-key>",
		Short: "Look up one listing",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			var (
				p   *models.Property
				err error
			)
			if cached {
				p, err = a.service.Get(ctx, args[0])
			} else {
				retry := httputil.DefaultRetry
				retry.Name = "mls get"
				retry.Retryable = mls.Retryable
				err = httputil.Retry(ctx, retry, func(ctx context.Context) error {
					var callErr error
					p, callErr = a.mls.GetProperty(ctx, args[0])
					return callErr
				})
			}
			if err != nil {
				return err
			}
			return printJSON(p)
		}),
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "read from the cache table instead of the MLS")
	return cmd
}

func searchCmd(withApp appRunner) *cobra.Command {
	var (
		q        mls.Query
		modified string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run one page of an MLS search",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			bucket, err := parseModified(modified)
			if err != nil {
				return err
			}
			q.ModifiedOn = bucket
			if q.OfficeID == "" {
				q.OfficeID = a.cfg.MLS.OfficeID
			}

			res, err := a.mls.SearchProperties(ctx, q)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(res.Properties)
			}
			printProperties(res.Properties)
			fmt.Printf("%d of %d (skip %d, page size %d)\n", len(res.Properties), res.Total, q.Skip, res.PageSize)
			return nil
		}),
	}

	f := cmd.Flags()
	f.StringVar(&q.Status, "status", models.StatusActive, "listing status")
	f.StringVar(&q.OfficeID, "office", "", "listing office id (defaults to BROKERAGE_OFFICE_ID)")
	f.StringVar(&q.City, "city", "", "city")
	f.Float64Var(&q.MinPrice, "min-price", 0, "minimum list price")
	f.Float64Var(&q.MaxPrice, "max-price", 0, "maximum list price")
	f.Float64Var(&q.MinBeds, "min-beds", 0, "minimum bedrooms")
	f.Float64Var(&q.MaxBeds, "max-beds", 0, "maximum bedrooms")
	f.Float64Var(&q.MinBaths, "min-baths", 0, "minimum bathrooms")
	f.Float64Var(&q.MaxBaths, "max-baths", 0, "maximum bathrooms")
	f.StringVar(&modified, "modified", "", "modified within a UTC year, month, day or hour: 2006, 2006-01, 2006-01-02 or 2006-01-02T15")
	f.IntVar(&q.Top, "top", mls.MaxPageSize, "page size (max 25)")
	f.IntVar(&q.Skip, "skip", 0, "records to skip")
	f.BoolVar(&q.Count, "count", true, "ask for the total count")
	f.BoolVar(&q.NoMedia, "no-media", false, "skip the media expansion")
	f.BoolVar(&asJSON, "json", false, "print normalized listings as JSON")
	return cmd
}

func listCmd(withApp appRunner) *cobra.Command {
	var (
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the active cached listings",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			var (
				props []models.Property
				err   error
			)
			if status != "" {
				props, err = a.service.ListByStatus(ctx, status)
			} else {
				props, err = a.service.ListActive(ctx)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(props)
			}
			printProperties(props)
			fmt.Printf("%d listings\n", len(props))
			return nil
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "only listings with this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func runsCmd(withApp appRunner) *cobra.Command {
	var (
		limit int
		logs  string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent refresh runs",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if logs != "" {
				entries, err := a.ops.RunLogs(ctx, logs)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Printf("%s  %-5s  %s\n", e.Timestamp.Local().Format(time.DateTime), e.Level, e.Message)
				}
				return nil
			}

			runs, err := a.ops.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Printf("%-36s  %-9s  %-19s  %-24s  %7s  %7s  %s\n", "ID", "Trigger", "Started", "State", "Fetched", "Written", "OK")
			for _, r := range runs {
				fmt.Printf("%-36s  %-9s  %-19s  %-24s  %7d  %7d  %v\n",
					r.ID, r.Trigger, r.StartedAt.Local().Format(time.DateTime), r.State, r.Fetched, r.Written, r.Success)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	cmd.Flags().StringVar(&logs, "logs", "", "print the log lines of one run")
	return cmd
}

// parseModified turns 2006, 2006-01, 2006-01-02 or 2006-01-02T15 into a
// modified-on bucket of matching granularity.
func parseModified(s string) (*mls.TimeBucket, error) {
	if s == "" {
		return nil, nil
	}
	layouts := []struct {
		layout string
		g      mls.Granularity
	}{
		{"2006-01-02T15", mls.ByHour},
		{"2006-01-02", mls.ByDay},
		{"2006-01", mls.ByMonth},
		{"2006", mls.ByYear},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return &mls.TimeBucket{At: t, Granularity: l.g}, nil
		}
	}
	return nil, fmt.Errorf("invalid --modified %q", s)
}

func printRun(run *models.RefreshRun) {
	fmt.Printf("Run %s (%s): state=%s success=%v fetched=%d written=%d\n",
		run.ID, run.Trigger, run.State, run.Success, run.Fetched, run.Written)
	for _, s := range run.Steps {
		status := "ok"
		if !s.OK {
			status = "FAILED"
		} else if s.Partial {
			status = "partial"
		}
		line := fmt.Sprintf("  %-24s %-7s %5d  %s", s.Name, status, s.Count, s.Duration.Round(time.Millisecond))
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Println(line)
	}
	if run.Error != "" {
		fmt.Printf("  error: %s\n", run.Error)
	}
}

func printProperties(props []models.Property) {
	fmt.Printf("%-12s  %-16s  %12s  %4s  %4s  %s\n", "ListingID", "Status", "Price", "Beds", "Bath", "Address")
	for _, p := range props {
		fmt.Printf("%-12s  %-16s  %12.0f  %4g  %4g  %s, %s\n",
			p.ListingID, p.Status, p.Price, p.Bedrooms, p.Bathrooms, p.FullAddress(), p.City)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3

	rest := connStr[start:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return connStr
	}
	colon := strings.Index(rest[:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[start+at:]
}
