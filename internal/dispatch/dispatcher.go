// Package dispatch binds pending jobs to backends. The dispatcher runs one
// claim loop per registered backend and spawns a monitor per claimed job,
// preserving the one-active-job-per-backend invariant; the monitor drives a
// single processing job to a terminal status.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/catalog"
	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// Dispatcher supervises the per-backend claim loops. Backends are discovered
// from the registry and re-read periodically, so loops appear and disappear
// as admins edit the registry.
type Dispatcher struct {
	queue    interfaces.JobStorage
	registry interfaces.BackendStorage
	factory  interfaces.BackendClientFactory
	events   interfaces.EventService
	catalog  *catalog.Service

	cfg        common.DispatcherConfig
	monitorCfg common.MonitorConfig
	outputDir  string
	logger     arbor.ILogger

	mu sync.Mutex
	// loops holds one running claim loop per known backend alias.
	loops map[string]*backendLoop
	// monitors maps job id to the monitor that owns it, for cancel routing.
	monitors map[string]*Monitor
	// adopted queues orphaned processing jobs per alias, consumed by the
	// backend loop before it claims anything new.
	adopted map[string][]*models.Job
	// unknownSince tracks when a pending job's alias was first seen missing
	// from the registry, for the grace period.
	unknownSince map[string]time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewDispatcher wires the dispatcher over the queue, registry, and backend
// client factory.
func NewDispatcher(queue interfaces.JobStorage, registry interfaces.BackendStorage,
	factory interfaces.BackendClientFactory, events interfaces.EventService, catalogSvc *catalog.Service,
	cfg common.DispatcherConfig, monitorCfg common.MonitorConfig, outputDir string,
	logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		queue:        queue,
		registry:     registry,
		factory:      factory,
		events:       events,
		catalog:      catalogSvc,
		cfg:          cfg,
		monitorCfg:   monitorCfg,
		outputDir:    outputDir,
		logger:       logger,
		loops:        make(map[string]*backendLoop),
		monitors:     make(map[string]*Monitor),
		adopted:      make(map[string][]*models.Job),
		unknownSince: make(map[string]time.Time),
	}
}

// Start reconciles orphaned processing jobs, spins up a loop per registered
// backend, and begins the periodic registry refresh.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runCtx, d.runCancel = context.WithCancel(context.Background())

	orphans, err := d.queue.ListOrphanedProcessing(ctx)
	if err != nil {
		return err
	}
	for _, job := range orphans {
		d.adopted[job.TargetBackend] = append(d.adopted[job.TargetBackend], job)
		d.logger.Info().
			Str("job_id", job.ID).
			Str("backend", job.TargetBackend).
			Bool("has_session", job.BackendSession != "").
			Msg("Adopting orphaned processing job")
	}

	if err := d.refreshBackends(ctx); err != nil {
		return err
	}

	d.wg.Add(1)
	go d.supervise()

	d.logger.Info().
		Int("backends", len(d.loops)).
		Int("orphans", len(orphans)).
		Msg("Dispatcher started")
	return nil
}

// Stop halts claiming and waits for loops to park. Active monitors are
// signalled through context cancellation and suspend cooperatively; their
// jobs stay processing for adoption on the next start.
func (d *Dispatcher) Stop() {
	if d.runCancel == nil {
		return
	}
	d.runCancel()
	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
}

// CancelJob routes an external cancel. Pending jobs flip in the store;
// processing jobs are signalled to their owning monitor, which reacts at the
// next polling tick.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) error {
	job, err := d.queue.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status == models.JobStatusProcessing {
		if d.signalMonitor(jobID) {
			return nil
		}
		// No owning monitor (e.g. cancel racing startup adoption).
	}

	if err := d.queue.Cancel(ctx, jobID); err != nil {
		if common.KindOf(err) == common.ErrInvalidTransition && d.signalMonitor(jobID) {
			return nil
		}
		return err
	}

	// The job read above can be stale: a claim may have flipped it to
	// processing before the cancel write landed. The owning monitor must
	// still observe the cancel so the backend-side task is abandoned.
	d.signalMonitor(jobID)
	return nil
}

// signalMonitor delivers a cancel to the monitor owning jobID, if any.
func (d *Dispatcher) signalMonitor(jobID string) bool {
	d.mu.Lock()
	monitor := d.monitors[jobID]
	d.mu.Unlock()
	if monitor == nil {
		return false
	}
	monitor.Cancel()
	return true
}

// supervise re-reads the registry and sweeps unknown-alias pending jobs until
// shutdown.
func (d *Dispatcher) supervise() {
	defer d.wg.Done()

	interval := common.DurationOr(d.cfg.RegistryRefresh, 5*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.runCtx.Done():
			return
		case <-ticker.C:
		}

		if err := d.refreshBackends(d.runCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Registry refresh failed")
		}
		d.sweepUnknownBackends(d.runCtx)
	}
}

// refreshBackends starts loops for newly registered backends and stops loops
// whose backend disappeared. A stopped loop's running monitor finishes on its
// own.
func (d *Dispatcher) refreshBackends(ctx context.Context) error {
	backends, err := d.registry.List(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]*models.Backend, len(backends))
	for _, b := range backends {
		known[b.Alias] = b
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for alias, loop := range d.loops {
		if _, ok := known[alias]; !ok {
			loop.stop()
			delete(d.loops, alias)
			d.logger.Info().Str("backend", alias).Msg("Backend removed, claim loop stopped")
		}
	}

	for alias, backend := range known {
		if existing, ok := d.loops[alias]; ok {
			existing.updateBackend(backend)
			continue
		}
		loop := newBackendLoop(d, backend)
		d.loops[alias] = loop
		d.wg.Add(1)
		go loop.run()
		d.logger.Info().Str("backend", alias).Msg("Claim loop started")
	}

	return nil
}

// sweepUnknownBackends fails pending jobs and adopted orphans whose target
// alias has been absent from the registry longer than the grace period. The
// grace tolerates admin races during registry edits.
func (d *Dispatcher) sweepUnknownBackends(ctx context.Context) {
	grace := common.DurationOr(d.cfg.UnknownBackendGrace, 30*time.Second)

	pending, _, err := d.queue.List(ctx, &models.JobListOptions{Status: models.JobStatusPending})
	if err != nil {
		d.logger.Warn().Err(err).Msg("Pending sweep failed")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]bool)
	now := time.Now()

	// graceExpired tracks the first unknown sighting per alias and reports
	// whether the alias has been missing for the full window.
	graceExpired := func(alias string) bool {
		seen[alias] = true
		if _, known := d.loops[alias]; known {
			delete(d.unknownSince, alias)
			return false
		}
		first, tracked := d.unknownSince[alias]
		if !tracked {
			d.unknownSince[alias] = now
			return false
		}
		return now.Sub(first) >= grace
	}

	rejectJob := func(jobID, alias string) {
		if err := d.queue.Fail(ctx, jobID, string(common.ErrBadRequest),
			"target backend is not registered: "+alias, false); err != nil {
			d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to reject unknown-backend job")
		} else {
			d.logger.Warn().
				Str("job_id", jobID).
				Str("backend", alias).
				Msg("Failed job targeting unregistered backend")
		}
	}

	for _, job := range pending {
		if graceExpired(job.TargetBackend) {
			rejectJob(job.ID, job.TargetBackend)
		}
	}

	// Adopted orphans target aliases discovered at startup; one whose backend
	// never reappears has no loop to consume it and expires here too.
	for alias, jobs := range d.adopted {
		if len(jobs) == 0 {
			delete(d.adopted, alias)
			continue
		}
		if !graceExpired(alias) {
			continue
		}
		for _, job := range jobs {
			rejectJob(job.ID, alias)
		}
		delete(d.adopted, alias)
	}

	// Forget aliases with no pending jobs left so a later re-add starts a
	// fresh grace window.
	for alias := range d.unknownSince {
		if !seen[alias] {
			delete(d.unknownSince, alias)
		}
	}
}

// ActiveMonitors returns the job ids currently owned by a monitor.
func (d *Dispatcher) ActiveMonitors() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.monitors))
	for id := range d.monitors {
		ids = append(ids, id)
	}
	return ids
}

func (d *Dispatcher) registerMonitor(m *Monitor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.monitors[m.JobID()] = m
}

func (d *Dispatcher) unregisterMonitor(m *Monitor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.monitors, m.JobID())
}

// takeAdopted pops one orphaned job queued for alias.
func (d *Dispatcher) takeAdopted(alias string) *models.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	jobs := d.adopted[alias]
	if len(jobs) == 0 {
		return nil
	}
	job := jobs[0]
	d.adopted[alias] = jobs[1:]
	return job
}

// backendLoop claims and runs jobs for one backend, one at a time. Running
// monitors synchronously inside the loop is what enforces at most one
// processing job per alias.
type backendLoop struct {
	dispatcher *Dispatcher

	mu      sync.Mutex
	backend *models.Backend

	loopCtx    context.Context
	loopCancel context.CancelFunc
}

func newBackendLoop(d *Dispatcher, backend *models.Backend) *backendLoop {
	ctx, cancel := context.WithCancel(d.runCtx)
	return &backendLoop{
		dispatcher: d,
		backend:    backend,
		loopCtx:    ctx,
		loopCancel: cancel,
	}
}

// stop halts claiming. The current monitor, if any, keeps running on the
// dispatcher context.
func (l *backendLoop) stop() {
	l.loopCancel()
}

// updateBackend swaps in refreshed connection data for subsequent claims.
func (l *backendLoop) updateBackend(backend *models.Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backend = backend
}

func (l *backendLoop) currentBackend() *models.Backend {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backend
}

func (l *backendLoop) run() {
	d := l.dispatcher
	defer d.wg.Done()

	claimInterval := common.DurationOr(d.cfg.ClaimInterval, 500*time.Millisecond)

	// Orphans first: they already hold the backend.
	for {
		job := d.takeAdopted(l.currentBackend().Alias)
		if job == nil {
			break
		}
		l.runMonitor(job)
	}

	for {
		select {
		case <-l.loopCtx.Done():
			return
		default:
		}

		job, err := d.queue.ClaimNextForBackend(l.loopCtx, l.currentBackend().Alias)
		if err != nil {
			// Storage errors are transient; sleep and retry the loop.
			d.logger.Warn().Err(err).Str("backend", l.currentBackend().Alias).Msg("Claim failed")
			if !sleepCtx(l.loopCtx, claimInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepCtx(l.loopCtx, claimInterval) {
				return
			}
			continue
		}

		l.runMonitor(job)
	}
}

// runMonitor executes one job to its terminal status (or suspension). The
// loop stays busy until the monitor returns.
func (l *backendLoop) runMonitor(job *models.Job) {
	d := l.dispatcher
	backend := l.currentBackend()

	monitor := NewMonitor(job, backend, d.factory(backend), d.queue, d.events,
		d.catalog, d.monitorCfg, d.outputDir, d.logger)
	if d.cfg.RetryRequeue {
		monitor.requeueOnSubmitFailure = true
		monitor.maxRequeues = d.cfg.MaxRetries
	}

	d.registerMonitor(monitor)
	defer d.unregisterMonitor(monitor)

	// Monitors run on the dispatcher context, not the loop context: a
	// backend removed mid-job still finishes that job.
	monitor.Run(d.runCtx)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
