// Package jobs runs the background schedule: the nightly extraction retry.
// Unlock already triggers extraction opportunistically; the schedule covers
// users who leave the app unlocked overnight.
package jobs

import (
	"context"
	"log"

	"recoverylm/internal/services"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler owns the cron runner.
type Scheduler struct {
	scheduler gocron.Scheduler
}

// NewScheduler builds the scheduler with the extraction job on the given
// cron expression.
func NewScheduler(pipeline *services.ExtractionPipeline, cronExpr string) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			log.Println("⏰ [JOBS] Nightly extraction check")
			pipeline.Run(context.Background())
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Scheduler{scheduler: s}, nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	log.Println("✅ [JOBS] Scheduler started")
}

// Stop shuts the scheduler down, waiting for a running job to finish.
func (s *Scheduler) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️ [JOBS] Scheduler shutdown: %v", err)
	}
}
