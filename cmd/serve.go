// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autoreg/internal/control"
	"github.com/xkilldash9x/autoreg/internal/eventsource"
	"github.com/xkilldash9x/autoreg/internal/events"
	"github.com/xkilldash9x/autoreg/internal/observability"
	"github.com/xkilldash9x/autoreg/internal/orchestrator"
	"github.com/xkilldash9x/autoreg/internal/scheduler"
)

// scheduledStartTimeout bounds a cron tick waiting for the command inbox.
const scheduledStartTimeout = 45 * time.Second

type serveOptions struct {
	schedule   string
	eventsFile string
}

func newServeCmd(a *app) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator behind the control API",
		Long: `Serves the command endpoint and the event stream on control.listen_addr.
With --schedule, the events file is loaded and started on the given cron
schedule (standard five-field syntax, or descriptors such as @daily).`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return a.v.BindPFlag("control.listen_addr", cmd.Flags().Lookup("listen"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.Control.ListenAddr = a.v.GetString("control.listen_addr")
			}
			return serve(cmd.Context(), a, opts)
		},
	}
	cmd.Flags().String("listen", "", "listen address (default control.listen_addr)")
	cmd.Flags().StringVar(&opts.schedule, "schedule", "", "cron schedule for starting runs of --events")
	cmd.Flags().StringVarP(&opts.eventsFile, "events", "e", "", "events file started on --schedule")
	return cmd
}

func serve(ctx context.Context, a *app, opts *serveOptions) error {
	logger := observability.GetLogger()
	if (opts.schedule == "") != (opts.eventsFile == "") {
		return errors.New("--schedule and --events must be given together")
	}
	var cronSched cron.Schedule
	if opts.schedule != "" {
		var err error
		if cronSched, err = parseSchedule(opts.schedule); err != nil {
			return fmt.Errorf("invalid --schedule: %w", err)
		}
	}

	comps, err := initializeComponents(context.WithoutCancel(ctx), a.cfg, logger)
	if err != nil {
		return err
	}

	srv, err := control.NewServer(a.cfg.Control, comps.orch, comps.bus, logger)
	if err != nil {
		shutdown(comps, logger)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if cronSched != nil {
		c := cron.New()
		c.Schedule(cronSched, cron.FuncJob(func() {
			startScheduledRun(comps.orch, comps.bus, opts.eventsFile, logger)
		}))
		c.Start()
		logger.Info("Scheduled runs enabled.", zap.String("schedule", opts.schedule), zap.String("events", opts.eventsFile))
		g.Go(func() error {
			<-gctx.Done()
			<-c.Stop().Done()
			return nil
		})
	}

	serveErr := g.Wait()
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	if err := shutdown(comps, logger); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func parseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(spec)
}

// startScheduledRun loads the events file fresh so edits are picked up.
// A run still in progress makes the tick a no-op.
func startScheduledRun(orch *orchestrator.Orchestrator, bus *events.Bus, file string, logger *zap.Logger) {
	evs, err := eventsource.Load(file)
	if err != nil {
		logger.Error("Scheduled run skipped: failed to load events.", zap.Error(err))
		bus.Log(events.LevelError, fmt.Sprintf("Scheduled run skipped: %v", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), scheduledStartTimeout)
	defer cancel()
	err = orch.Execute(ctx, orchestrator.StartRun{Events: evs})
	switch {
	case errors.Is(err, scheduler.ErrRunActive):
		logger.Info("Scheduled run skipped: a run is already in progress.")
	case err != nil:
		logger.Error("Scheduled run failed to start.", zap.Error(err))
	default:
		logger.Info("Scheduled run started.", zap.Int("events", len(evs)))
	}
}
