// Package scheduler runs recurring prompts through the reasoning loop on a
// cron or fixed-interval trigger, persisting jobs to a local relational
// store so they survive a process restart.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ghost/internal/observability"
)

const defaultIntervalSeconds = 60

// Job is one persisted scheduled task.
type Job struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Trigger   string
	Prompt    string
	CreatedAt time.Time
}

// RunFunc synthesizes a user message from prompt and runs it through the
// reasoning loop with background dispatch disabled. Implemented by whatever
// wires the scheduler to a reasoning.Loop, kept as a plain function type so
// this package doesn't need to import reasoning for one call shape.
type RunFunc func(ctx context.Context, prompt string) error

// Scheduler owns the cron engine and the durable job store.
type Scheduler struct {
	db   *gorm.DB
	cron *cron.Cron
	run  RunFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// Open connects to a sqlite database at path (or ":memory:" for tests) and
// migrates the job table.
func Open(path string, run RunFunc) (*Scheduler, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("scheduler: open db: %w", err)
	}
	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, fmt.Errorf("scheduler: migrate: %w", err)
	}
	return &Scheduler{
		db:      db,
		cron:    cron.New(),
		run:     run,
		entries: make(map[string]cron.EntryID),
	}, nil
}

// Start loads every persisted job and schedules it, then starts the cron
// engine's background goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	var jobs []Job
	if err := s.db.Find(&jobs).Error; err != nil {
		return fmt.Errorf("scheduler: load jobs: %w", err)
	}
	log := observability.LoggerWithTrace(ctx)
	for _, j := range jobs {
		if err := s.schedule(ctx, j); err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("scheduler_job_load_failed")
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron engine, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Create persists a new job and schedules it immediately, returning its id.
func (s *Scheduler) Create(ctx context.Context, name, trigger, prompt string) (string, error) {
	job := Job{
		ID:        "task_" + uuid.NewString()[:8],
		Name:      name,
		Trigger:   trigger,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&job).Error; err != nil {
		return "", fmt.Errorf("scheduler: persist job: %w", err)
	}
	if err := s.schedule(ctx, job); err != nil {
		s.db.Delete(&job)
		return "", err
	}
	return job.ID, nil
}

// List returns every persisted job.
func (s *Scheduler) List() ([]Job, error) {
	var jobs []Job
	if err := s.db.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("scheduler: list jobs: %w", err)
	}
	return jobs, nil
}

// StopJob removes one job by id, unscheduling it and deleting its record.
// Named apart from Stop, which halts the whole cron engine.
func (s *Scheduler) StopJob(id string) error {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entryID)
	}
	if err := s.db.Delete(&Job{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("scheduler: delete job %s: %w", id, err)
	}
	return nil
}

// StopAll removes every scheduled job.
func (s *Scheduler) StopAll() error {
	s.mu.Lock()
	ids := make([]cron.EntryID, 0, len(s.entries))
	for _, id := range s.entries {
		ids = append(ids, id)
	}
	s.entries = make(map[string]cron.EntryID)
	s.mu.Unlock()
	for _, id := range ids {
		s.cron.Remove(id)
	}
	if err := s.db.Where("1 = 1").Delete(&Job{}).Error; err != nil {
		return fmt.Errorf("scheduler: clear jobs: %w", err)
	}
	return nil
}

func (s *Scheduler) schedule(ctx context.Context, job Job) error {
	spec, err := cronSpec(job.Trigger)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", job.ID, err)
	}
	entryID, err := s.cron.AddFunc(spec, func() { s.fire(ctx, job) })
	if err != nil {
		return fmt.Errorf("scheduler: schedule job %s: %w", job.ID, err)
	}
	s.mu.Lock()
	s.entries[job.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	log := observability.LoggerWithTrace(ctx)
	fireCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := s.run(fireCtx, job.Prompt); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Str("job_name", job.Name).Msg("scheduled_job_failed")
	}
}

const requestTimeout = 600 * time.Second

// cronSpec translates a trigger string into a robfig/cron spec: a bare cron
// expression passes through unchanged; "interval:N" becomes "@every Ns",
// falling back to a 60s interval when N doesn't parse.
func cronSpec(trigger string) (string, error) {
	rest, ok := strings.CutPrefix(trigger, "interval:")
	if !ok {
		return trigger, nil
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || seconds <= 0 {
		seconds = defaultIntervalSeconds
	}
	return fmt.Sprintf("@every %ds", seconds), nil
}
