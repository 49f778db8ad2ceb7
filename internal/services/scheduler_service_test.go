package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowzap/flowzap-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobQueue struct {
	mu     sync.Mutex
	jobs   map[string]*models.ScheduledJob
	order  []string
	failed []string
}

func newFakeJobQueue() *fakeJobQueue {
	return &fakeJobQueue{jobs: make(map[string]*models.ScheduledJob)}
}

func (f *fakeJobQueue) add(job *models.ScheduledJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.Status == "" {
		job.Status = models.JobPending
	}
	f.jobs[job.ID] = job
	f.order = append(f.order, job.ID)
}

func (f *fakeJobQueue) GetDue(limit int) ([]*models.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*models.ScheduledJob
	for _, id := range f.order {
		job := f.jobs[id]
		if job.Status == models.JobPending && !job.ResumeAt.After(time.Now()) {
			clone := *job
			due = append(due, &clone)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (f *fakeJobQueue) Claim(jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.Status != models.JobPending {
		return false, nil
	}
	job.Status = models.JobDone
	return true, nil
}

func (f *fakeJobQueue) MarkFailed(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		job.Status = models.JobFailed
	}
	f.failed = append(f.failed, jobID)
	return nil
}

func TestSchedulerResumesDueJobs(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", timerFlow))
	ctx := context.Background()

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "lembrete", testOrgID))
	execution := env.executions.all()[0]
	require.Equal(t, models.ExecutionWaiting, execution.Status)

	queue := newFakeJobQueue()
	queue.add(&models.ScheduledJob{
		ID:          "job-1",
		ExecutionID: execution.ID,
		NodeID:      "wait",
		ResumeAt:    time.Now().Add(-time.Second),
	})
	// A job that is not due yet stays untouched
	queue.add(&models.ScheduledJob{
		ID:          "job-2",
		ExecutionID: execution.ID,
		NodeID:      "wait",
		ResumeAt:    time.Now().Add(time.Hour),
	})

	scheduler := NewSchedulerService(queue, env.engine)
	scheduler.runDueJobs()

	assert.Equal(t, models.ExecutionCompleted, env.executions.all()[0].Status)
	require.Len(t, env.dispatcher.texts, 1)
	assert.Equal(t, "Passando para lembrar!", env.dispatcher.texts[0].Message)

	assert.Equal(t, models.JobDone, queue.jobs["job-1"].Status)
	assert.Equal(t, models.JobPending, queue.jobs["job-2"].Status)
	assert.Empty(t, queue.failed)

	// A second poll finds nothing; the claim made the wake-up idempotent
	scheduler.runDueJobs()
	assert.Len(t, env.dispatcher.texts, 1)
}

func TestSchedulerClaimIsIdempotent(t *testing.T) {
	queue := newFakeJobQueue()
	queue.add(&models.ScheduledJob{ID: "job-1", ResumeAt: time.Now().Add(-time.Second)})

	claimed, err := queue.Claim("job-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = queue.Claim("job-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestSchedulerMarksFailedJobs(t *testing.T) {
	// Executions referencing a missing flow cannot resume
	env := newEngineEnv()
	execution, _, err := env.executions.FindOrCreate(testContactID, "ghost-flow", "wait", "", false)
	require.NoError(t, err)

	queue := newFakeJobQueue()
	queue.add(&models.ScheduledJob{
		ID:          "job-1",
		ExecutionID: execution.ID,
		NodeID:      "wait",
		ResumeAt:    time.Now().Add(-time.Second),
	})

	scheduler := NewSchedulerService(queue, env.engine)
	scheduler.runDueJobs()

	assert.Contains(t, queue.failed, "job-1")
}
