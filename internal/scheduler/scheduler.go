package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"paidpost/internal/config"
	"paidpost/internal/journal"
	"paidpost/internal/log"
	"paidpost/internal/metrics"
	"paidpost/internal/store"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var ErrNoSchedule = errors.New("no schedule for order")

// Job is an armed publication.
type Job struct {
	OrderID  int64
	FireAt   time.Time
	Attempts int
}

// Action runs when a job fires.
type Action interface {
	Publish(ctx context.Context, orderID int64) error
}

// JobStore is the durable schedule table.
type JobStore interface {
	SaveSchedule(ctx context.Context, job store.ScheduledPublication) error
	DeleteSchedule(ctx context.Context, orderID int64) error
	LoadSchedules(ctx context.Context) ([]store.ScheduledPublication, error)
}

type Alerter interface {
	AlertOperators(ctx context.Context, text string) error
}

type entry struct {
	job Job
	gen uint64
}

// Scheduler fires each armed order once at or after its fire time. Timers
// live in memory; the job table is written through to the JobStore and falls
// back to the journal while the store is unreachable.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[int64]*entry
	timers  timerHeap
	nextGen uint64
	wake    chan struct{}

	syncMu  sync.Mutex
	backlog int

	inflight sync.WaitGroup

	action  Action
	store   JobStore
	journal *journal.Journal
	alerter Alerter
	metrics *metrics.Metrics
	cb      *gobreaker.CircuitBreaker
	cfg     *config.Config
	clock   clockwork.Clock
	logger  *log.Logger
}

func New(action Action, jobStore JobStore, jr *journal.Journal, alerter Alerter, m *metrics.Metrics,
	cfg *config.Config, clock clockwork.Clock, logger *log.Logger) *Scheduler {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "schedule-store",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Scheduler{
		jobs:    make(map[int64]*entry),
		wake:    make(chan struct{}, 1),
		action:  action,
		store:   jobStore,
		journal: jr,
		alerter: alerter,
		metrics: m,
		cb:      cb,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
	}
}

// Schedule arms orderID for fireAt, replacing any job already armed for it.
// A fireAt in the past arms the job for now; the misfire grace applies only
// to jobs restored by Recover. It returns an error only when the job could be
// neither stored nor journaled; the in-memory timer is armed either way.
func (s *Scheduler) Schedule(ctx context.Context, orderID int64, fireAt time.Time) error {
	if fireAt.IsZero() {
		return fmt.Errorf("schedule order %d: zero fire time", orderID)
	}
	if now := s.clock.Now(); fireAt.Before(now) {
		fireAt = now
	}
	s.mu.Lock()
	attempts := 0
	if prev, ok := s.jobs[orderID]; ok {
		attempts = prev.job.Attempts
	}
	job := s.armLocked(Job{OrderID: orderID, FireAt: fireAt, Attempts: attempts})
	s.mu.Unlock()
	s.trigger()

	s.logger.Info("Publication scheduled", zap.Int64("order_id", orderID), zap.Time("fire_at", fireAt))
	return s.persist(ctx, journal.Op{Kind: journal.OpSave, OrderID: orderID, FireAt: job.FireAt, Attempts: job.Attempts}, nil)
}

// Revoke disarms orderID. A fire already in progress runs to completion.
func (s *Scheduler) Revoke(ctx context.Context, orderID int64) error {
	s.mu.Lock()
	_, ok := s.jobs[orderID]
	delete(s.jobs, orderID)
	s.metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()
	if !ok {
		return ErrNoSchedule
	}
	s.trigger()

	s.logger.Info("Publication revoked", zap.Int64("order_id", orderID))
	return s.persist(ctx, journal.Op{Kind: journal.OpDelete, OrderID: orderID}, nil)
}

// Jobs lists armed jobs by fire time.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].FireAt.Equal(jobs[j].FireAt) {
			return jobs[i].FireAt.Before(jobs[j].FireAt)
		}
		return jobs[i].OrderID < jobs[j].OrderID
	})
	return jobs
}

// Job returns the armed job for orderID.
func (s *Scheduler) Job(orderID int64) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[orderID]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Recover arms every job from the store, then applies the journaled ops that
// never reached it. Call before Run.
func (s *Scheduler) Recover(ctx context.Context) error {
	stored, err := s.store.LoadSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	ops, err := s.journal.ReadAll()
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	s.mu.Lock()
	for _, sp := range stored {
		s.armLocked(Job{OrderID: sp.OrderID, FireAt: sp.FireAt, Attempts: sp.Attempts})
	}
	for _, op := range journal.Collapse(ops) {
		switch op.Kind {
		case journal.OpSave:
			s.armLocked(Job{OrderID: op.OrderID, FireAt: op.FireAt, Attempts: op.Attempts})
		case journal.OpDelete:
			delete(s.jobs, op.OrderID)
		}
	}
	armed := len(s.jobs)
	s.metrics.ScheduledJobs.Set(float64(armed))
	s.mu.Unlock()

	s.syncMu.Lock()
	s.backlog = len(ops)
	s.metrics.ScheduleBacklog.Set(float64(s.backlog))
	s.syncMu.Unlock()

	s.logger.Info("Recovered schedules", zap.Int("stored", len(stored)), zap.Int("journaled", len(ops)),
		zap.Int("armed", armed))
	s.trigger()
	return nil
}

// Run drives the timer loop until ctx is done. In-flight fires are joined
// with Wait.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.fireDue(ctx)

		var timerC <-chan time.Time
		var t clockwork.Timer
		if next, ok := s.nextFireAt(); ok {
			d := next.Sub(s.clock.Now())
			if d <= 0 {
				continue
			}
			t = s.clock.NewTimer(d)
			timerC = t.Chan()
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			s.logger.Info("Scheduler shutting down")
			return
		case <-s.wake:
		case <-timerC:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// RunSync pushes journaled mutations to the job store every sync interval.
func (s *Scheduler) RunSync(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Schedule sync shutting down, performing final sync...")
			s.Sync(context.Background())
			return
		case <-ticker.Chan():
			s.Sync(ctx)
		}
	}
}

// Wait blocks until every in-flight fire has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Sync replays the journal into the job store and truncates it once every op
// landed. It reports the backlog left behind.
func (s *Scheduler) Sync(ctx context.Context) int {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.backlog == 0 {
		return 0
	}

	ops, err := s.journal.ReadAll()
	if err != nil {
		s.logger.Error("Failed to read schedule journal", zap.Error(err))
		return s.backlog
	}
	for _, op := range journal.Collapse(ops) {
		if err := s.apply(ctx, op); err != nil {
			s.logger.Warn("Schedule sync deferred", zap.Int64("order_id", op.OrderID), zap.Error(err))
			return s.backlog
		}
	}
	if err := s.journal.Truncate(); err != nil {
		s.logger.Error("Failed to truncate schedule journal", zap.Error(err))
		return s.backlog
	}
	s.logger.Info("Synced journaled schedules", zap.Int("ops", len(ops)))
	s.backlog = 0
	s.metrics.ScheduleBacklog.Set(0)
	return 0
}

func (s *Scheduler) armLocked(job Job) Job {
	s.nextGen++
	s.jobs[job.OrderID] = &entry{job: job, gen: s.nextGen}
	heap.Push(&s.timers, timer{orderID: job.OrderID, fireAt: job.FireAt, gen: s.nextGen})
	s.metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	return job
}

func (s *Scheduler) trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) nextFireAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.timers.Len() > 0 {
		top := s.timers[0]
		if e, ok := s.jobs[top.orderID]; ok && e.gen == top.gen {
			return top.fireAt, true
		}
		heap.Pop(&s.timers)
	}
	return time.Time{}, false
}

// fireDue dispatches every job whose fire time has passed. The job table
// decides: a heap slot only fires if it still belongs to the armed job.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()
	var due []Job

	s.mu.Lock()
	for s.timers.Len() > 0 && !s.timers[0].fireAt.After(now) {
		t := heap.Pop(&s.timers).(timer)
		e, ok := s.jobs[t.orderID]
		if !ok || e.gen != t.gen {
			continue
		}
		delete(s.jobs, t.orderID)
		e.job.Attempts++
		due = append(due, e.job)
	}
	s.metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	fireCtx := context.WithoutCancel(ctx)
	for _, job := range due {
		s.inflight.Add(1)
		go func(job Job) {
			defer s.inflight.Done()
			s.fire(fireCtx, job, now)
		}(job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job, now time.Time) {
	logger := s.logger.With(zap.Int64("order_id", job.OrderID), zap.Time("fire_at", job.FireAt))
	late := now.Sub(job.FireAt)

	if late > s.cfg.MisfireGrace {
		s.metrics.PublicationFires.WithLabelValues("misfired").Inc()
		logger.Error("Publication misfired past grace window", zap.Duration("late", late))
		msg := fmt.Sprintf("Publication of order %d missed its slot %s by %s and was not sent. Re-run it manually.",
			job.OrderID, job.FireAt.Format(time.RFC3339), late.Round(time.Second))
		if err := s.alerter.AlertOperators(ctx, msg); err != nil {
			logger.Warn("Failed to alert operators", zap.Error(err))
		}
	} else {
		if late > 0 {
			logger.Info("Firing late publication", zap.Duration("late", late))
		}
		if err := s.action.Publish(ctx, job.OrderID); err != nil {
			s.metrics.PublicationFires.WithLabelValues("failed").Inc()
			logger.Error("Publication failed", zap.Int("attempt", job.Attempts), zap.Error(err))
		} else {
			s.metrics.PublicationFires.WithLabelValues("published").Inc()
		}
	}

	// drop the stored job unless the order was re-armed meanwhile
	err := s.persist(ctx, journal.Op{Kind: journal.OpDelete, OrderID: job.OrderID}, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, rearmed := s.jobs[job.OrderID]
		return !rearmed
	})
	if err != nil {
		logger.Error("Failed to drop fired schedule", zap.Error(err))
	}
}

// persist writes op through to the job store. While older ops wait in the
// journal, new ones queue behind them so the store never sees them out of
// order. guard, when set, is checked under the sync lock.
func (s *Scheduler) persist(ctx context.Context, op journal.Op, guard func() bool) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if guard != nil && !guard() {
		return nil
	}

	if s.backlog == 0 {
		err := s.apply(ctx, op)
		if err == nil {
			return nil
		}
		s.logger.Warn("Schedule store unavailable, journaling", zap.Int64("order_id", op.OrderID),
			zap.String("op", string(op.Kind)), zap.Error(err))
	}
	if err := s.journal.Append(op); err != nil {
		return fmt.Errorf("journal schedule op: %w", err)
	}
	s.backlog++
	s.metrics.ScheduleBacklog.Set(float64(s.backlog))
	return nil
}

func (s *Scheduler) apply(ctx context.Context, op journal.Op) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		switch op.Kind {
		case journal.OpSave:
			return nil, s.store.SaveSchedule(ctx, store.ScheduledPublication{
				OrderID:  op.OrderID,
				FireAt:   op.FireAt,
				Attempts: op.Attempts,
			})
		case journal.OpDelete:
			return nil, s.store.DeleteSchedule(ctx, op.OrderID)
		default:
			return nil, fmt.Errorf("unknown schedule op %q", op.Kind)
		}
	})
	return err
}
