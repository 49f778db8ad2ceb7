package services

import (
	"context"
	"time"

	"github.com/flowzap/flowzap-backend/internal/models"

	"github.com/sirupsen/logrus"
)

// ScheduledJobQueue is the scheduler's view of the durable timer jobs
type ScheduledJobQueue interface {
	GetDue(limit int) ([]*models.ScheduledJob, error)
	Claim(jobID string) (bool, error)
	MarkFailed(jobID string) error
}

// SchedulerService polls the scheduled_jobs table and resumes executions
// whose TIMER delay elapsed. Continuations are durable rows, not in-memory
// timers, so paused conversations survive process restarts.
type SchedulerService struct {
	jobRepo  ScheduledJobQueue
	engine   *FlowEngineService
	interval time.Duration
	stopChan chan bool
}

func NewSchedulerService(jobRepo ScheduledJobQueue, engine *FlowEngineService) *SchedulerService {
	return &SchedulerService{
		jobRepo:  jobRepo,
		engine:   engine,
		interval: time.Duration(getEnvAsInt("SCHEDULER_INTERVAL_SECONDS", 10)) * time.Second,
		stopChan: make(chan bool),
	}
}

// Start begins polling for due jobs
func (s *SchedulerService) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		logrus.Infof("[Scheduler] Started, polling every %s", s.interval)
		for {
			select {
			case <-s.stopChan:
				logrus.Info("[Scheduler] Stopped")
				return
			case <-ticker.C:
				s.runDueJobs()
			}
		}
	}()
}

// Stop stops the poller
func (s *SchedulerService) Stop() {
	close(s.stopChan)
}

func (s *SchedulerService) runDueJobs() {
	jobs, err := s.jobRepo.GetDue(50)
	if err != nil {
		logrus.Errorf("[Scheduler] Failed to load due jobs: %v", err)
		return
	}

	for _, job := range jobs {
		// Claim before resuming so overlapping pollers stay idempotent
		claimed, err := s.jobRepo.Claim(job.ID)
		if err != nil {
			logrus.Errorf("[Scheduler] Failed to claim job %s: %v", job.ID, err)
			continue
		}
		if !claimed {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = s.engine.ResumeTimer(ctx, job.ExecutionID, job.NodeID)
		cancel()
		if err != nil {
			logrus.Errorf("[Scheduler] Failed to resume execution %s: %v", job.ExecutionID, err)
			if markErr := s.jobRepo.MarkFailed(job.ID); markErr != nil {
				logrus.Errorf("[Scheduler] Failed to mark job %s failed: %v", job.ID, markErr)
			}
		}
	}
}
