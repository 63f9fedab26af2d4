// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/eventsource"
	"github.com/xkilldash9x/autoreg/internal/events"
	"github.com/xkilldash9x/autoreg/internal/observability"
	"github.com/xkilldash9x/autoreg/internal/orchestrator"
)

// teardownTimeout bounds the wait for the in-flight task on exit. It covers
// the extended challenge window.
const teardownTimeout = 2 * time.Minute

type runOptions struct {
	eventsFile  string
	delay       time.Duration
	concurrency int
	skipManual  bool
	acceptTerms bool
	resume      bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [urls...]",
		Short: "Register for events in the foreground until the queue is done",
		Long: `Registers for every event in --events (and any URLs given as arguments), one
at a time, in a shared browser window. Ctrl-C stops after the current event;
the remaining queue is kept and can be continued with --resume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("delay") {
				opts.delay = a.cfg.Scheduler.DefaultDelay
			}
			return runForeground(cmd.Context(), a, opts, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.eventsFile, "events", "e", "", "YAML or JSON file listing the events")
	cmd.Flags().DurationVar(&opts.delay, "delay", 0, "base delay between events (default scheduler.default_delay)")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 1, "requested concurrency (events always run one at a time)")
	cmd.Flags().BoolVar(&opts.skipManual, "skip-manual", false, "submit even when required fields cannot be filled from the profile")
	cmd.Flags().BoolVar(&opts.acceptTerms, "accept-terms", false, "tick terms and consent checkboxes")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "continue the queue left by an earlier run instead of starting a new one")
	return cmd
}

func runForeground(ctx context.Context, a *app, opts *runOptions, urls []string, out io.Writer) error {
	logger := observability.GetLogger()

	var cmd orchestrator.Command
	if opts.resume {
		if opts.eventsFile != "" || len(urls) > 0 {
			return errors.New("--resume continues the saved queue and takes no events")
		}
		cmd = orchestrator.Resume{}
	} else {
		evs, err := collectEvents(opts.eventsFile, urls)
		if err != nil {
			return err
		}
		cmd = orchestrator.StartRun{
			Events: evs,
			Settings: &schemas.Settings{
				ProfileFields:        a.cfg.Profile,
				ConcurrencyRequested: opts.concurrency,
				DelayBetweenMs:       int(opts.delay / time.Millisecond),
				SkipManualFields:     opts.skipManual,
				AutoAcceptTerms:      opts.acceptTerms,
			},
		}
	}

	// Components outlive ctx: Ctrl-C must still let the in-flight task finish.
	comps, err := initializeComponents(context.WithoutCancel(ctx), a.cfg, logger)
	if err != nil {
		return err
	}
	printed := printProgress(comps.bus, out)

	if err := comps.orch.Execute(ctx, cmd); err != nil {
		shutdown(comps, logger)
		return err
	}

	stopOnce := sync.OnceFunc(func() {
		fmt.Fprintln(out, "Stopping after the current event...")
		if err := comps.orch.Dispatch(orchestrator.Stop{}); err != nil {
			logger.Warn("Failed to dispatch stop", zap.Error(err))
		}
	})
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stopOnce()
		case <-watchDone:
		}
	}()

	runErr := comps.orch.WaitRun()
	close(watchDone)
	snap := comps.orch.Snapshot()

	shutdownErr := shutdown(comps, logger)
	<-printed

	printSummary(out, snap)
	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

func shutdown(comps *components, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := comps.Shutdown(ctx); err != nil {
		logger.Error("Shutdown completed with errors", zap.Error(err))
		return err
	}
	return nil
}

// collectEvents merges the events file with URLs from the command line.
func collectEvents(file string, urls []string) ([]schemas.Event, error) {
	var evs []schemas.Event
	if file != "" {
		loaded, err := eventsource.Load(file)
		if err != nil {
			return nil, err
		}
		evs = append(evs, loaded...)
	}
	for _, u := range urls {
		evs = append(evs, schemas.Event{URL: u})
	}
	evs, err := eventsource.Normalize(evs)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, errors.New("no events given; use --events or pass URLs")
	}
	return evs, nil
}

// printProgress echoes log and resolution events until the bus shuts down.
// The returned channel is closed when it stops.
func printProgress(bus *events.Bus, out io.Writer) <-chan struct{} {
	sub, _ := bus.Subscribe(events.TypeLog, events.TypeTaskResolved)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			switch p := ev.Payload.(type) {
			case events.LogPayload:
				if p.Level == events.LevelDebug {
					continue
				}
				fmt.Fprintf(out, "%s [%s] %s\n", ev.Timestamp.Local().Format("15:04:05"), p.Level, p.Text)
			case *schemas.RegistrationTask:
				fmt.Fprintf(out, "%s => %s %s %s\n", ev.Timestamp.Local().Format("15:04:05"),
					strings.ToUpper(string(p.Status)), displayTitle(p), p.Message)
			}
		}
	}()
	return done
}

func displayTitle(t *schemas.RegistrationTask) string {
	if t.Title != "" {
		return t.Title
	}
	return t.URL
}
