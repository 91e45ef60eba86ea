package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"mlscache/config"
	"mlscache/models"
	"mlscache/refresh"
)

// Refresher is the part of the refresh orchestrator the scheduler drives.
type Refresher interface {
	Run(ctx context.Context, trigger models.Trigger) (*models.RefreshRun, error)
	Clear(ctx context.Context) (int64, error)
}

// CommandQueue is where the CLI leaves commands for the daemon.
type CommandQueue interface {
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
}

const defaultPollInterval = 2 * time.Second

type Scheduler struct {
	cfg       config.SchedulerConfig
	refresher Refresher
	commands  CommandQueue
	cron      *cron.Cron
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	paused    atomic.Bool

	pollInterval time.Duration
}

func New(cfg config.SchedulerConfig, refresher Refresher, commands CommandQueue) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		refresher:    refresher,
		commands:     commands,
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
		pollInterval: defaultPollInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.commands != nil {
		go s.pollCommands(ctx)
	}

	if s.cfg.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Cron)
		_, err := s.cron.AddFunc(s.cfg.Cron, func() { s.runScheduled(ctx) })
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Interval)
		s.ticker = time.NewTicker(s.cfg.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.runScheduled(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No schedule configured, daemon will only respond to commands")
	}

	return nil
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
}

// Paused reports whether scheduled runs are currently skipped.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if s.paused.Load() {
		log.Println("Scheduled refresh skipped: paused")
		return
	}
	run, err := s.refresher.Run(ctx, models.TriggerScheduled)
	switch {
	case errors.Is(err, refresh.ErrRefreshInProgress):
		log.Println("Scheduled refresh skipped: another cycle holds the lease")
	case err != nil:
		log.Printf("Scheduled run error: %v", err)
	case !run.Success:
		log.Printf("Scheduled run %s completed with partial results", run.ID)
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) drainCommands(ctx context.Context) {
	cmds, err := s.commands.GetPendingCommands(ctx)
	if err != nil {
		log.Printf("Error getting commands: %v", err)
		return
	}

	for _, cmd := range cmds {
		log.Printf("Processing command: %s", cmd.Command)
		if err := s.HandleCommand(ctx, &cmd); err != nil {
			log.Printf("Command error: %v", err)
		}
		if err := s.commands.MarkCommandProcessed(ctx, cmd.ID); err != nil {
			log.Printf("Error marking command processed: %v", err)
		}
	}
}

// HandleCommand executes one queued command.
func (s *Scheduler) HandleCommand(ctx context.Context, cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdRefreshNow:
		run, err := s.refresher.Run(ctx, models.TriggerManual)
		if errors.Is(err, refresh.ErrTooSoon) || errors.Is(err, refresh.ErrRefreshInProgress) {
			log.Printf("Manual refresh rejected: %v", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("manual refresh: %w", err)
		}
		log.Printf("Manual refresh %s done: success=%v written=%d", run.ID, run.Success, run.Written)
		return nil
	case models.CmdClearCache:
		n, err := s.refresher.Clear(ctx)
		if err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		log.Printf("Cache cleared: %d rows deleted", n)
		return nil
	case models.CmdPause:
		s.paused.Store(true)
		log.Println("Scheduled refresh paused")
		return nil
	case models.CmdResume:
		s.paused.Store(false)
		log.Println("Scheduled refresh resumed")
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
}

// TriggerNow runs a scheduled-style cycle immediately.
func (s *Scheduler) TriggerNow(ctx context.Context) (*models.RefreshRun, error) {
	return s.refresher.Run(ctx, models.TriggerScheduled)
}
