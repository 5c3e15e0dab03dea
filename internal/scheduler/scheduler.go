// Package scheduler implements durable one-shot timers and recurring cron
// jobs (C6). Both ultimately hand off into the outbox: the scheduler never
// performs business work itself, it guarantees exactly one outbox insert per
// fire by co-transacting that insert with the timer/job-run ack.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/incursa/platform-sub002/internal/clock"
	"github.com/incursa/platform-sub002/internal/outbox"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

// cronParser is the six-field, second-granularity parser spec.md §4.6
// mandates. robfig/cron's Descriptor option additionally accepts @every/@daily
// shorthand, which operators may find convenient for one-off jobs.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// maxCatchUpFires bounds a single tick pass's catch-up loop per job, so a
// job whose lastScheduledAt fell far behind (a long outage) cannot produce
// an unbounded burst of JobRuns in one pass; it simply catches up further on
// the next tick.
const maxCatchUpFires = 500

// TimerRow is the TimerRow of spec.md §3: a one-shot, due-time-gated
// work-queue row.
type TimerRow struct {
	ID            string
	Topic         string
	Payload       []byte
	DueTimeUtc    time.Time
	Status        wqueue.Status
	OwnerToken    string
	LockedUntil   time.Time
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
}

func (r TimerRow) RowID() string { return r.ID }

// JobRow is the JobRow of spec.md §3.
type JobRow struct {
	Name            string
	Topic           string
	CronExpression  string
	Payload         []byte
	LastScheduledAt time.Time
	Enabled         bool
}

// JobRunRow is the JobRunRow of spec.md §3, denormalized with the topic and
// payload snapshotted from the Job at tick-pass time, so dispatch never
// needs a second lookup against a Job that may have since changed.
type JobRunRow struct {
	ID            string
	JobName       string
	ScheduledFor  time.Time
	Topic         string
	Payload       []byte
	Status        wqueue.Status
	OwnerToken    string
	LockedUntil   time.Time
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
}

func (r JobRunRow) RowID() string { return r.ID }

// JobStore is the CRUD surface for JobRow; jobs themselves are never
// claimed/dispatched, only their JobRuns are.
type JobStore interface {
	Upsert(ctx context.Context, job JobRow) error
	Get(ctx context.Context, name string) (JobRow, error)
	Delete(ctx context.Context, name string) error
	ListEnabled(ctx context.Context) ([]JobRow, error)
	AdvanceLastScheduled(ctx context.Context, name string, to time.Time) error
}

// Notifier publishes a cancellation notice for id so a dispatcher waiting on
// a CancelSubscribeFunc feed aborts in-flight work promptly instead of
// waiting for its next poll tick. Optional: a Scheduler with no Notifier
// still cancels correctly, just no faster than the next tick.
type Notifier interface {
	NotifyCancellation(ctx context.Context, id string) error
}

// Scheduler drives timers and jobs against their respective stores, handing
// fires off to an Outbox.
type Scheduler struct {
	timers   wqueue.Store[TimerRow]
	jobs     JobStore
	jobRuns  wqueue.Store[JobRunRow]
	out      *outbox.Outbox
	wall     clock.Wall
	notifier Notifier

	leaseFor  time.Duration
	batchSize int
}

// Options configures a Scheduler.
type Options struct {
	LeaseFor  time.Duration
	BatchSize int
}

func DefaultOptions() Options {
	return Options{LeaseFor: 300 * time.Second, BatchSize: 50}
}

func New(timers wqueue.Store[TimerRow], jobs JobStore, jobRuns wqueue.Store[JobRunRow], out *outbox.Outbox, wall clock.Wall, opts Options) *Scheduler {
	return &Scheduler{timers: timers, jobs: jobs, jobRuns: jobRuns, out: out, wall: wall, leaseFor: opts.LeaseFor, batchSize: opts.BatchSize}
}

// WithNotifier attaches n as the Scheduler's cancellation notifier and
// returns the Scheduler, so callers can chain it onto New.
func (s *Scheduler) WithNotifier(n Notifier) *Scheduler {
	s.notifier = n
	return s
}

// ScheduleTimer inserts a Ready timer row due at dueTimeUtc.
func (s *Scheduler) ScheduleTimer(ctx context.Context, topic string, payload []byte, dueTimeUtc time.Time) (string, error) {
	if topic == "" {
		return "", &wqueue.ValidationError{Field: "topic", Err: fmt.Errorf("must not be empty")}
	}
	row := TimerRow{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Topic:         topic,
		Payload:       payload,
		DueTimeUtc:    dueTimeUtc,
		Status:        wqueue.StatusReady,
		NextAttemptAt: dueTimeUtc,
	}
	return s.timers.Enqueue(ctx, nil, row)
}

// CancelTimer cancels the timer if it is still Ready. Implemented as a Fail
// (terminal, no dispatch possible afterward) rather than a physical delete,
// which the Store contract does not expose — a cancelled timer remains
// visible for audit the same way a Failed outbox row does.
func (s *Scheduler) CancelTimer(ctx context.Context, id string) error {
	row, err := s.timers.Get(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != wqueue.StatusReady {
		return nil
	}
	if err := s.timers.Fail(ctx, "", []string{id}, "cancelled"); err != nil {
		return err
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyCancellation(ctx, id); err != nil {
			slog.ErrorContext(ctx, "scheduler: notify cancellation failed", "timer_id", id, "error", err)
		}
	}
	return nil
}

// DispatchTimers claims due timers and, for each, enqueues its outbox
// message and acks the timer in the same transaction — exactly one insert
// per fire.
func (s *Scheduler) DispatchTimers(ctx context.Context) (int, error) {
	ownerToken := uuid.NewString()
	rows, err := s.timers.Claim(ctx, wqueue.ClaimOptions{OwnerToken: ownerToken, LeaseFor: s.leaseFor, BatchSize: s.batchSize})
	if err != nil {
		return 0, fmt.Errorf("scheduler: claim timers: %w", err)
	}
	for _, row := range rows {
		row := row
		err := s.timers.RunInTx(ctx, func(ctx context.Context, tx wqueue.Tx) error {
			if _, err := s.out.Enqueue(ctx, tx, row.Topic, row.Payload, "", nil); err != nil {
				return fmt.Errorf("enqueue outbox for timer %s: %w", row.ID, err)
			}
			return s.timers.AckTx(ctx, tx, ownerToken, []string{row.ID})
		})
		if err != nil {
			_ = s.timers.Abandon(ctx, ownerToken, []string{row.ID}, err.Error(), time.Second)
		}
	}
	return len(rows), nil
}

// CreateOrUpdateJob upserts a Job row. A new job's lastScheduledAt starts at
// the current time; an update keeps the stored value.
func (s *Scheduler) CreateOrUpdateJob(ctx context.Context, name, topic, cronExpr string, payload []byte) error {
	if name == "" || topic == "" {
		return &wqueue.ValidationError{Field: "name/topic", Err: fmt.Errorf("must not be empty")}
	}
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return &wqueue.ValidationError{Field: "cronExpression", Err: err}
	}
	return s.jobs.Upsert(ctx, JobRow{
		Name: name, Topic: topic, CronExpression: cronExpr, Payload: payload, Enabled: true,
		LastScheduledAt: s.wall.Now(),
	})
}

func (s *Scheduler) DeleteJob(ctx context.Context, name string) error {
	return s.jobs.Delete(ctx, name)
}

// TriggerJob immediately inserts one JobRun scheduled for now, bypassing the
// cron schedule — the manual-trigger surface of spec.md §6.
func (s *Scheduler) TriggerJob(ctx context.Context, name string) (string, error) {
	job, err := s.jobs.Get(ctx, name)
	if err != nil {
		return "", err
	}
	now := s.wall.Now()
	run := JobRunRow{
		ID: uuid.Must(uuid.NewV7()).String(), JobName: name, ScheduledFor: now,
		Topic: job.Topic, Payload: job.Payload, Status: wqueue.StatusReady, NextAttemptAt: now,
	}
	return s.jobRuns.Enqueue(ctx, nil, run)
}

// TickJobs examines every enabled job and, for each whose next cron fire(s)
// since lastScheduledAt are due, inserts one JobRun per missed fire
// (catch-up semantics, spec.md §4.6/§9 mandated default) and advances
// lastScheduledAt to the newest fire produced.
func (s *Scheduler) TickJobs(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list enabled jobs: %w", err)
	}
	now := s.wall.Now()
	total := 0
	for _, job := range jobs {
		sched, err := cronParser.Parse(job.CronExpression)
		if err != nil {
			continue // malformed expressions are rejected at CreateOrUpdateJob time
		}
		from := job.LastScheduledAt
		if from.IsZero() {
			from = now
		}
		var fires []time.Time
		next := from
		for i := 0; i < maxCatchUpFires; i++ {
			next = sched.Next(next)
			if next.After(now) {
				break
			}
			fires = append(fires, next)
		}
		if len(fires) == 0 {
			continue
		}
		for _, fireAt := range fires {
			run := JobRunRow{
				ID: uuid.Must(uuid.NewV7()).String(), JobName: job.Name, ScheduledFor: fireAt,
				Topic: job.Topic, Payload: job.Payload, Status: wqueue.StatusReady, NextAttemptAt: fireAt,
			}
			if _, err := s.jobRuns.Enqueue(ctx, nil, run); err != nil {
				return total, fmt.Errorf("scheduler: insert job run for %s: %w", job.Name, err)
			}
			total++
		}
		if err := s.jobs.AdvanceLastScheduled(ctx, job.Name, fires[len(fires)-1]); err != nil {
			return total, fmt.Errorf("scheduler: advance last_scheduled_at for %s: %w", job.Name, err)
		}
	}
	return total, nil
}

// DispatchJobRuns mirrors DispatchTimers for the JobRun queue.
func (s *Scheduler) DispatchJobRuns(ctx context.Context) (int, error) {
	ownerToken := uuid.NewString()
	rows, err := s.jobRuns.Claim(ctx, wqueue.ClaimOptions{OwnerToken: ownerToken, LeaseFor: s.leaseFor, BatchSize: s.batchSize})
	if err != nil {
		return 0, fmt.Errorf("scheduler: claim job runs: %w", err)
	}
	for _, row := range rows {
		row := row
		err := s.jobRuns.RunInTx(ctx, func(ctx context.Context, tx wqueue.Tx) error {
			if _, err := s.out.Enqueue(ctx, tx, row.Topic, row.Payload, "", nil); err != nil {
				return fmt.Errorf("enqueue outbox for job run %s: %w", row.ID, err)
			}
			return s.jobRuns.AckTx(ctx, tx, ownerToken, []string{row.ID})
		})
		if err != nil {
			_ = s.jobRuns.Abandon(ctx, ownerToken, []string{row.ID}, err.Error(), time.Second)
		}
	}
	return len(rows), nil
}

// ReapTimers and ReapJobRuns reclaim expired leases.
func (s *Scheduler) ReapTimers(ctx context.Context) (int, error)  { return s.timers.Reap(ctx, s.wall.Now()) }
func (s *Scheduler) ReapJobRuns(ctx context.Context) (int, error) { return s.jobRuns.Reap(ctx, s.wall.Now()) }
