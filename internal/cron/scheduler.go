package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Schedule kinds.
const (
	ScheduleOnce     = "once"
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// Job payload kinds. Heartbeat jobs are dispatched to the heartbeat
// controller instead of being treated as user text.
const (
	KindPrompt    = "prompt"
	KindHeartbeat = "heartbeat"
)

// Schedule is the tagged trigger descriptor for a job.
type Schedule struct {
	Type       string     `json:"type"` // "once", "interval", "cron"
	At         *time.Time `json:"at,omitempty"`
	EveryMs    int64      `json:"everyMs,omitempty"`
	Expression string     `json:"expression,omitempty"`
}

// Job is one scheduled task.
type Job struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Prompt    string     `json:"prompt"`
	Kind      string     `json:"kind"` // "prompt" or "heartbeat"
	Schedule  Schedule   `json:"schedule"`
	SessionID string     `json:"sessionId,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
	Created   time.Time  `json:"created"`
	RunCount  int        `json:"runCount"`
}

// TriggerFunc receives a fired job. Panics and errors are contained;
// triggers are not retried.
type TriggerFunc func(job Job)

const tickInterval = 15 * time.Second

// Scheduler owns a persistent job list and a single tick loop.
// Mutations are mutually exclusive with tick processing.
type Scheduler struct {
	mu   sync.Mutex
	jobs []*Job // insertion order

	dir     string
	trigger TriggerFunc

	ticker  *time.Ticker
	stop    chan struct{}
	running bool

	corrupt int
	now     func() time.Time
	gron    *gronx.Gronx
}

// NewScheduler creates a scheduler persisting to <dir>/jobs.json and
// loads any existing jobs. A corrupt jobs file starts empty.
func NewScheduler(dir string, trigger TriggerFunc) *Scheduler {
	s := &Scheduler{
		dir:     dir,
		trigger: trigger,
		now:     time.Now,
		gron:    gronx.New(),
	}
	if dir != "" {
		os.MkdirAll(dir, 0755)
		s.load()
	}
	return s
}

// AddJob validates the schedule, computes the initial next-run, and
// eagerly persists. An invalid cron expression yields a persisted job
// with an undefined nextRun; a non-positive interval and a zero once
// instant are rejected outright.
func (s *Scheduler) AddJob(name, prompt string, schedule Schedule, sessionID string) (*Job, error) {
	return s.addJob(name, prompt, KindPrompt, schedule, sessionID)
}

// AddHeartbeatJob adds a job tagged for heartbeat dispatch.
func (s *Scheduler) AddHeartbeatJob(name string, schedule Schedule, sessionID string) (*Job, error) {
	return s.addJob(name, "", KindHeartbeat, schedule, sessionID)
}

func (s *Scheduler) addJob(name, prompt, kind string, schedule Schedule, sessionID string) (*Job, error) {
	now := s.now()
	job := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Prompt:    prompt,
		Kind:      kind,
		Schedule:  schedule,
		SessionID: sessionID,
		Enabled:   true,
		Created:   now,
	}

	switch schedule.Type {
	case ScheduleOnce:
		if schedule.At == nil || schedule.At.IsZero() {
			return nil, fmt.Errorf("once schedule requires an absolute instant")
		}
		at := *schedule.At
		job.NextRun = &at
	case ScheduleInterval:
		if schedule.EveryMs <= 0 {
			return nil, fmt.Errorf("interval must be positive, got %dms", schedule.EveryMs)
		}
		next := now.Add(time.Duration(schedule.EveryMs) * time.Millisecond)
		job.NextRun = &next
	case ScheduleCron:
		if !s.gron.IsValid(schedule.Expression) {
			slog.Warn("cron: invalid expression, job persisted without next run",
				"job", name, "expression", schedule.Expression)
		} else if expr, err := parseExpression(schedule.Expression); err != nil {
			slog.Warn("cron: unsupported expression, job persisted without next run",
				"job", name, "expression", schedule.Expression, "error", err)
		} else {
			next := expr.next(now)
			job.NextRun = &next
		}
	default:
		return nil, fmt.Errorf("unknown schedule type %q", schedule.Type)
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	snapshot := *job
	return &snapshot, nil
}

// RemoveJob deletes a job. Returns false when the id is unknown.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			s.saveLocked()
			return true
		}
	}
	return false
}

// RemoveJobByName deletes the first job with the given name.
func (s *Scheduler) RemoveJobByName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.Name == name {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			s.saveLocked()
			return true
		}
	}
	return false
}

// EnableJob re-enables a job, recomputing its next run from now.
func (s *Scheduler) EnableJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.findLocked(id)
	if j == nil {
		return false
	}
	j.Enabled = true
	s.rescheduleLocked(j, s.now())
	s.saveLocked()
	return true
}

// DisableJob disables a job without removing it.
func (s *Scheduler) DisableJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.findLocked(id)
	if j == nil {
		return false
	}
	j.Enabled = false
	s.saveLocked()
	return true
}

// GetJob returns a copy of the job, or nil when unknown.
func (s *Scheduler) GetJob(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.findLocked(id); j != nil {
		snapshot := *j
		return &snapshot
	}
	return nil
}

// GetJobByName returns a copy of the first job with the given name.
func (s *Scheduler) GetJobByName(name string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			snapshot := *j
			return &snapshot
		}
	}
	return nil
}

// ListJobs returns copies of every job in insertion order.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = *j
	}
	return out
}

// CorruptDropped reports discarded jobs documents.
func (s *Scheduler) CorruptDropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corrupt
}

func (s *Scheduler) findLocked(id string) *Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// Start launches the tick loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(tickInterval)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.stop:
				return
			case <-s.ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop halts the tick loop. Safe to call twice.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.stop)
	s.mu.Unlock()
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick fires every enabled job whose next run has arrived, in
// insertion order, persists the jobs document, then invokes the
// trigger for each fired job. Trigger failures are contained; each
// tick is independently guarded.
func (s *Scheduler) Tick() {
	now := s.now()

	s.mu.Lock()
	var fired []Job
	for _, j := range s.jobs {
		if !j.Enabled || j.NextRun == nil || j.NextRun.After(now) {
			continue
		}
		ts := now
		j.LastRun = &ts
		j.RunCount++
		if j.Schedule.Type == ScheduleOnce {
			j.Enabled = false
			j.NextRun = nil
		} else {
			s.rescheduleLocked(j, now)
		}
		fired = append(fired, *j)
	}
	if len(fired) > 0 {
		if err := s.saveLocked(); err != nil {
			slog.Warn("cron: persisting jobs after tick failed", "error", err)
		}
	}
	trigger := s.trigger
	s.mu.Unlock()

	if trigger == nil {
		return
	}
	for _, job := range fired {
		s.invoke(trigger, job)
	}
}

func (s *Scheduler) invoke(trigger TriggerFunc, job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("cron: trigger panicked", "job", job.Name, "panic", r)
		}
	}()
	trigger(job)
}

// rescheduleLocked recomputes NextRun from the given instant.
func (s *Scheduler) rescheduleLocked(j *Job, from time.Time) {
	switch j.Schedule.Type {
	case ScheduleOnce:
		if j.RunCount == 0 && j.Schedule.At != nil {
			at := *j.Schedule.At
			j.NextRun = &at
		}
	case ScheduleInterval:
		base := from
		if j.LastRun != nil && j.LastRun.After(base) {
			base = *j.LastRun
		}
		next := base.Add(time.Duration(j.Schedule.EveryMs) * time.Millisecond)
		j.NextRun = &next
	case ScheduleCron:
		expr, err := parseExpression(j.Schedule.Expression)
		if err != nil {
			j.NextRun = nil
			return
		}
		next := expr.next(from)
		j.NextRun = &next
	}
}

// --- persistence ---

func (s *Scheduler) jobsPath() string {
	return filepath.Join(s.dir, "jobs.json")
}

// saveLocked serializes the whole jobs list. Caller holds the lock.
func (s *Scheduler) saveLocked() error {
	if s.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.jobsPath(), data, 0644)
}

// load reads jobs.json; a corrupt document starts empty and is
// counted so data loss stays observable.
func (s *Scheduler) load() {
	data, err := os.ReadFile(s.jobsPath())
	if err != nil {
		return
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		s.corrupt++
		slog.Warn("cron: dropping corrupt jobs file", "path", s.jobsPath(), "error", err)
		return
	}
	s.jobs = jobs
}
