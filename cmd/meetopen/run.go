package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"meetopen/internal/config"
	"meetopen/internal/dispatch"
	"meetopen/internal/gcal"
	"meetopen/internal/ics"
	"meetopen/internal/launch"
	appLog "meetopen/internal/log"
	"meetopen/internal/poll"
	"meetopen/internal/reconcile"
	"meetopen/internal/source"
	"meetopen/internal/store"
	"meetopen/internal/web"
)

func init() {
	var once bool
	var listen string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sync calendars and open meetings until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return run(cmd.Context(), cfg, once)
		},
	}
	runCmd.Flags().BoolVar(&once, "once", false, "Run a single cycle and exit")
	runCmd.Flags().StringVar(&listen, "listen", "", "Status server address (overrides config)")
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context, cfg *config.Config, once bool) error {
	appLog.Info("effective config",
		"data_dir", cfg.DataDir,
		"lead_minutes", cfg.LeadMinutes,
		"services", fmt.Sprint(cfg.EnabledServices().Slice()),
		"refresh", cfg.RefreshCron,
		"horizon_hours", cfg.HorizonHours,
		"ics_count", len(cfg.ICS),
		"google", cfg.Google != nil,
		"listen", cfg.Listen,
		"once", once,
	)

	schedule, err := cron.ParseStandard(cfg.RefreshCron)
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", cfg.RefreshCron, err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Initialize(ctx); err != nil {
		return err
	}

	fetcher, err := buildFetcher(ctx, cfg)
	if err != nil {
		return err
	}

	loop := poll.New(
		fetcher,
		reconcile.New(st),
		dispatch.New(st, launch.NewExecLauncher(cfg.ZoomBin, cfg.BrowserBin)),
		poll.Config{
			LeadMinutes: cfg.LeadMinutes,
			Enabled:     cfg.EnabledServices(),
			Schedule:    schedule,
		},
	)

	if once {
		if res := loop.RunOnce(ctx); res.Failed() {
			return errors.Join(res.FetchErr, res.ReconcileErr, res.DispatchErr)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.Listen != "" {
		g.Go(func() error {
			return web.NewServer(cfg, st).Serve(gctx)
		})
	}

	err = g.Wait()
	appLog.Info("meetopen exiting")
	return err
}

// buildFetcher wires every configured calendar into one source.
func buildFetcher(ctx context.Context, cfg *config.Config) (*source.Multi, error) {
	var providers []source.Provider

	if len(cfg.ICS) > 0 {
		subs := make([]ics.Subscription, 0, len(cfg.ICS))
		for _, c := range cfg.ICS {
			subs = append(subs, ics.Subscription{ID: c.ID, URL: c.URL})
		}
		providers = append(providers, ics.NewCalendar(ics.NewDownloader(cfg.ICSCacheDir(), nil), subs))
	}

	if cfg.Google != nil {
		cal, err := gcal.New(ctx, gcal.Options{
			CredentialsFile: cfg.Google.CredentialsFile,
			TokenFile:       cfg.Google.TokenFile,
			CalendarIDs:     cfg.Google.CalendarIDs,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, cal)
	}

	if len(providers) == 0 {
		appLog.Info("no calendar configured; only already stored events will be opened")
	}
	return source.NewMulti(time.Duration(cfg.HorizonHours)*time.Hour, providers...), nil
}
