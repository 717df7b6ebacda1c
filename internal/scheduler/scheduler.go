// Package scheduler decides which patients are due for a check-in call and fires the
// dispatcher for them once per hour.
//
// The hourly trigger is a Clock: CronClock in production, ManualClock in tests. Each
// firing runs Tick, which selects due patients and dispatches them concurrently.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CareCall/internal/metrics"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/timematch"
)

const (
	// HourlySpec fires at the top of every hour.
	HourlySpec = "0 * * * *"
	// DefaultWindow is how recently a patient may have been called and still be skipped.
	DefaultWindow = time.Hour
	// DefaultMaxConcurrent bounds dispatches in flight during one firing. A dispatch
	// holds its slot until the call ends, so the limit is sized for a whole firing;
	// the voice client's rate limiter paces call placement.
	DefaultMaxConcurrent = 256
)

// Clock fires a registered task on a schedule.
type Clock interface {
	Schedule(task func()) error
	Start()
	Stop()
}

// CronClock is the production Clock, backed by robfig/cron.
type CronClock struct {
	cron *cron.Cron
	spec string
}

// NewCronClock creates a CronClock for a standard 5-field cron expression. An empty spec
// means HourlySpec.
func NewCronClock(spec string) *CronClock {
	if spec == "" {
		spec = HourlySpec
	}
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &CronClock{cron: c, spec: spec}
}

// Schedule registers task. It returns an error if the spec is invalid.
func (c *CronClock) Schedule(task func()) error {
	_, err := c.cron.AddFunc(c.spec, task)
	return err
}

func (c *CronClock) Start() { c.cron.Start() }

// Stop stops the cron scheduler and waits for running jobs to finish.
func (c *CronClock) Stop() {
	<-c.cron.Stop().Done()
}

// ManualClock fires only when Fire is called.
type ManualClock struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func (c *ManualClock) Schedule(task func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return nil
}

func (c *ManualClock) Start() {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
}

func (c *ManualClock) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Fire runs every scheduled task synchronously. It does nothing while stopped.
func (c *ManualClock) Fire() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	tasks := append([]func(){}, c.tasks...)
	c.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

// PatientLister lists patients with a call schedule.
type PatientLister interface {
	ListScheduledPatients(ctx context.Context) ([]models.Patient, error)
}

// Selector picks the patients due for a call.
type Selector struct {
	patients PatientLister
	window   time.Duration
}

// NewSelector creates a Selector. A non-positive window means DefaultWindow.
func NewSelector(patients PatientLister, window time.Duration) *Selector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Selector{patients: patients, window: window}
}

// DuePatients returns the patients whose local hour is in their schedule and who have not
// been called within the window. Overlapping runs can select the same patient; the
// dispatch guard absorbs that.
func (s *Selector) DuePatients(ctx context.Context, now time.Time) ([]models.Patient, error) {
	all, err := s.patients.ListScheduledPatients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scheduled patients: %w", err)
	}
	var due []models.Patient
	for _, p := range all {
		if !timematch.IsDue(p.CallSchedule, p.Timezone, now) {
			continue
		}
		if p.LastCallAt != nil && now.Sub(*p.LastCallAt) < s.window {
			slog.Debug("Selector.DuePatients: called recently, skipping", "patientID", p.ID, "lastCallAt", p.LastCallAt)
			continue
		}
		due = append(due, p)
	}
	return due, nil
}

// Dispatcher places the scheduled call for one patient.
type Dispatcher interface {
	Dispatch(ctx context.Context, patient *models.Patient) error
}

// TickResult summarizes one firing.
type TickResult struct {
	Due    int
	Failed int
}

// Recurring runs the selector and dispatcher on every clock firing.
type Recurring struct {
	clock         Clock
	selector      *Selector
	dispatcher    Dispatcher
	maxConcurrent int

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRecurring creates a Recurring scheduler. A non-positive maxConcurrent means
// DefaultMaxConcurrent.
func NewRecurring(clock Clock, selector *Selector, dispatcher Dispatcher, maxConcurrent int) *Recurring {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Recurring{clock: clock, selector: selector, dispatcher: dispatcher, maxConcurrent: maxConcurrent}
}

// Start registers the tick with the clock and starts it. Firings run under a context
// derived from ctx that Stop cancels.
func (r *Recurring) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := r.clock.Schedule(func() { r.Tick(runCtx, time.Now()) }); err != nil {
		cancel()
		return fmt.Errorf("schedule tick: %w", err)
	}
	r.cancel = cancel
	r.clock.Start()
	slog.Info("Recurring.Start: scheduler started", "maxConcurrent", r.maxConcurrent)
	return nil
}

// Stop cancels in-flight dispatches and stops the clock.
func (r *Recurring) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.clock.Stop()
	slog.Info("Recurring.Stop: scheduler stopped")
}

// Tick performs one firing synchronously. Per-patient failures are logged and counted,
// never returned.
func (r *Recurring) Tick(ctx context.Context, now time.Time) TickResult {
	due, err := r.selector.DuePatients(ctx, now)
	if err != nil {
		slog.Error("Recurring.Tick: selecting due patients failed", "error", err)
		metrics.RecordDispatchError()
		return TickResult{}
	}
	metrics.RecordSchedulerTick(len(due))
	if len(due) == 0 {
		return TickResult{}
	}
	slog.Info("Recurring.Tick: dispatching due patients", "count", len(due))

	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)
	for i := range due {
		p := &due[i]
		g.Go(func() error {
			if err := r.dispatchOne(gctx, p); err != nil {
				slog.Error("Recurring.Tick: dispatch failed", "patientID", p.ID, "error", err)
				metrics.RecordDispatchError()
				mu.Lock()
				failed++
				mu.Unlock()
			}
			// errors stay per patient; returning one would cancel the siblings
			return nil
		})
	}
	_ = g.Wait()
	return TickResult{Due: len(due), Failed: failed}
}

func (r *Recurring) dispatchOne(ctx context.Context, p *models.Patient) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatch panicked: %v", rec)
		}
	}()
	return r.dispatcher.Dispatch(ctx, p)
}
