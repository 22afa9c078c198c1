package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/step-orchestrator/internal/approvals"
	"github.com/hochfrequenz/step-orchestrator/internal/config"
	"github.com/hochfrequenz/step-orchestrator/internal/domain"
	"github.com/hochfrequenz/step-orchestrator/internal/engine"
	"github.com/hochfrequenz/step-orchestrator/internal/events"
	"github.com/hochfrequenz/step-orchestrator/internal/notify"
	"github.com/hochfrequenz/step-orchestrator/internal/schedule"
	"github.com/hochfrequenz/step-orchestrator/internal/store"
	"github.com/hochfrequenz/step-orchestrator/web/api"
)

// idleInterval is how long the scheduler sleeps when no plan has
// pending steps.
const idleInterval = time.Minute

// planRunner tracks the engine currently executing so a stop request
// from the API reaches it.
type planRunner struct {
	mu      sync.Mutex
	current *engine.Engine
}

func (r *planRunner) set(e *engine.Engine) {
	r.mu.Lock()
	r.current = e
	r.mu.Unlock()
}

func (r *planRunner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.current.Stop()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	spool, err := approvals.NewSpool(cfg.Paths.ApprovalsDir)
	if err != nil {
		return err
	}

	windows, err := scheduleWindows(cfg)
	if err != nil {
		return err
	}

	hub := events.NewHub()
	runner := &planRunner{}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(st, spool, hub, runner.stop, addr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go notify.WatchEvents(ctx, hub, buildNotifier(cfg))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("serve: API listening on http://%s", addr)
		return server.Start()
	})
	g.Go(func() error {
		return scheduleLoop(ctx, cfg, st, hub, windows, runner)
	})
	return g.Wait()
}

func scheduleWindows(cfg *config.Config) (*schedule.Windows, error) {
	var windows []schedule.Window
	for _, w := range cfg.Schedule.Windows {
		windows = append(windows, schedule.Window{
			Cron:     w.Cron,
			Duration: time.Duration(w.DurationMinutes) * time.Minute,
		})
	}
	return schedule.New(windows)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	return notify.NewMulti(
		notify.NewDesktopNotifier(cfg.Notify.Desktop),
		notify.NewSlackNotifier(cfg.Notify.SlackWebhook),
	)
}

// scheduleLoop runs queued plans one at a time, launching only inside a
// configured run window. A window closing mid-plan requests a stop at
// the next step boundary rather than aborting.
func scheduleLoop(ctx context.Context, cfg *config.Config, st *store.Store, hub *events.Hub, windows *schedule.Windows, runner *planRunner) error {
	for {
		if err := windows.Wait(ctx); err != nil {
			return err
		}

		plan, err := nextQueuedPlan(st)
		if err != nil {
			return err
		}
		if plan == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleInterval):
			}
			continue
		}

		eng, err := newEngine(cfg, st, hub, plan)
		if err != nil {
			return err
		}
		runner.set(eng)

		var windowTimer *time.Timer
		if remaining, open := windows.Open(time.Now()); open && remaining > 0 {
			windowTimer = time.AfterFunc(remaining, eng.Stop)
		}

		log.Printf("serve: running plan %s", plan.ID)
		if err := eng.Run(ctx, plan.ID); err != nil {
			log.Printf("serve: plan %s: %v", plan.ID, err)
		}
		if windowTimer != nil {
			windowTimer.Stop()
		}
		runner.set(nil)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// nextQueuedPlan returns the oldest plan that still has a runnable
// pending step, or nil when everything is terminal. ListPlans sorts
// newest first, so iterate from the back.
func nextQueuedPlan(st *store.Store) (*domain.Plan, error) {
	plans, err := st.ListPlans()
	if err != nil {
		return nil, err
	}
	for i := len(plans) - 1; i >= 0; i-- {
		state, err := st.PlanState(plans[i].ID)
		if err != nil {
			return nil, err
		}
		if state.NextPending() == nil {
			continue
		}
		// A failed step blocks its plan until the operator intervenes
		blocked := false
		for _, ss := range state.Steps {
			if ss.Step.Status == domain.StepFailed {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		return plans[i], nil
	}
	return nil, nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := serverAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	resp, err := http.Post("http://"+addr+"/api/stop", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("stop request failed: %s: %s", resp.Status, body)
	}
	fmt.Println("Stop requested; the daemon finishes the current step first")
	return nil
}
