package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"idle-arena/config"

	"github.com/go-co-op/gocron/v2"
)

// StartMaintenance registers the periodic housekeeping jobs and starts the
// scheduler. Callers stop it with Shutdown.
func StartMaintenance(ctx context.Context, cfg config.Config, orch *SessionOrchestrator, board *LeaderboardAggregator) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	// Every minute: end expired sessions
	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.Scheduler.SessionSweep),
		gocron.NewTask(func() {
			orch.SweepSessions()
		}),
		gocron.WithName("session-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("schedule session sweep: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.Scheduler.AbuseSweep),
		gocron.NewTask(func() {
			if n := orch.SweepAbuse(); n > 0 {
				log.Printf("[Scheduler] 🧹 Dropped anti-cheat state for %d idle user(s)", n)
			}
		}),
		gocron.WithName("abuse-sweep"),
	); err != nil {
		return nil, fmt.Errorf("schedule abuse sweep: %w", err)
	}

	if cfg.R2.Enabled() {
		if _, err := sched.NewJob(
			gocron.DurationJob(cfg.Leaderboard.ArchiveInterval),
			gocron.NewTask(func() {
				archiveCtx, cancel := context.WithTimeout(ctx, time.Minute)
				defer cancel()
				if _, err := board.Archive(archiveCtx); err != nil {
					log.Printf("[Scheduler] ❌ Leaderboard archive failed: %v", err)
				}
			}),
			gocron.WithName("leaderboard-archive"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return nil, fmt.Errorf("schedule leaderboard archive: %w", err)
		}
	}

	sched.Start()
	log.Printf("✅ [Scheduler] Running %d maintenance job(s)", len(sched.Jobs()))
	return sched, nil
}
