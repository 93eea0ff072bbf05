package dispatch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/kelsjon3/stablequeue/internal/catalog"
	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/forge"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// monitorPhase names where a monitor is in a job's lifecycle.
type monitorPhase string

const (
	phaseSubmitting monitorPhase = "submitting"
	phasePolling    monitorPhase = "polling"
	phaseCollecting monitorPhase = "collecting"
)

// secondsPerStep feeds the wall-clock deadline estimate. Deliberately
// generous; the deadline is a last-resort guard, not a scheduler.
const secondsPerStep = 2

// Monitor drives exactly one processing job to a terminal status. It is the
// only writer of non-administrative transitions out of processing.
type Monitor struct {
	job     *models.Job
	backend *models.Backend
	client  interfaces.BackendClient
	queue   interfaces.JobStorage
	events  interfaces.EventService
	catalog *catalog.Service
	cfg     common.MonitorConfig

	outputDir string
	logger    arbor.ILogger

	// requeueOnSubmitFailure and maxRequeues carry the dispatcher's retry
	// policy: when enabled, a job whose submission exhausts its retries goes
	// back to pending instead of failing, up to maxRequeues times.
	requeueOnSubmitFailure bool
	maxRequeues            int

	// cancelCh is closed by the dispatcher on external cancel; observed at
	// the next polling tick.
	cancelCh chan struct{}

	// lastPreviewHash dedupes preview writes by content.
	lastPreviewHash [sha256.Size]byte
	previewWritten  bool
	lastPercent     float64
}

// NewMonitor builds a monitor for one claimed job. An adopted orphan with a
// persisted session starts in the polling phase; everything else starts by
// submitting.
func NewMonitor(job *models.Job, backend *models.Backend, client interfaces.BackendClient,
	queue interfaces.JobStorage, events interfaces.EventService, catalogSvc *catalog.Service,
	cfg common.MonitorConfig, outputDir string, logger arbor.ILogger) *Monitor {
	return &Monitor{
		job:       job,
		backend:   backend,
		client:    client,
		queue:     queue,
		events:    events,
		catalog:   catalogSvc,
		cfg:       cfg,
		outputDir: outputDir,
		logger:    logger,
		cancelCh:  make(chan struct{}),
	}
}

// JobID returns the job this monitor owns.
func (m *Monitor) JobID() string {
	return m.job.ID
}

// Cancel signals an external cancel. Safe to call more than once.
func (m *Monitor) Cancel() {
	select {
	case <-m.cancelCh:
	default:
		close(m.cancelCh)
	}
}

// Run executes the job to a terminal status, or suspends cleanly when ctx is
// cancelled (process shutdown). The job stays processing on suspension and is
// adopted as an orphan on the next start.
func (m *Monitor) Run(ctx context.Context) {
	deadline := time.Now().Add(m.deadlineBudget())

	m.logger.Info().
		Str("job_id", m.job.ID).
		Str("backend", m.backend.Alias).
		Str("deadline", time.Until(deadline).Round(time.Second).String()).
		Msg("Monitor started")

	phase := phaseSubmitting
	if m.job.BackendSession != "" {
		phase = phasePolling
	}

	if phase == phaseSubmitting {
		ok := m.submit(ctx, deadline)
		if !ok {
			return
		}
		phase = phasePolling
	}

	if !m.poll(ctx, deadline) {
		return
	}

	m.collect(ctx, deadline)
}

// deadlineBudget is twice the estimated generation time, floored at the
// configured minimum.
func (m *Monitor) deadlineBudget() time.Duration {
	min := common.DurationOr(m.cfg.MinDeadline, 10*time.Minute)
	estimate := time.Duration(m.job.Params.EstimatedSteps()*secondsPerStep) * time.Second
	if budget := 2 * estimate; budget > min {
		return budget
	}
	return min
}

// submit drives the submitting phase. Returns false when the job reached a
// terminal status or the monitor suspended.
func (m *Monitor) submit(ctx context.Context, deadline time.Time) bool {
	if m.catalog != nil {
		path, entry := m.catalog.ResolveCheckpointPath(ctx, &m.job.Params, m.backend)
		m.job.Params.CheckpointPath = path
		if entry != nil {
			m.catalog.MarkSeen(ctx, entry.ID, m.backend.Alias)
		}
	}

	retry := newBackoff(common.DurationOr(m.cfg.BackoffBase, time.Second), common.DurationOr(m.cfg.BackoffCap, 30*time.Second))
	maxRetries := m.cfg.MaxSubmitRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if m.cancelled() {
			m.finishCancelled(ctx, "")
			return false
		}
		if time.Now().After(deadline) {
			m.fail(ctx, string(common.ErrBackendTransport), "deadline exceeded before submission succeeded")
			return false
		}

		session, err := m.client.Submit(ctx, &m.job.Params, m.job.AppType)
		if err == nil {
			if err := m.queue.SetBackendSession(ctx, m.job.ID, session); err != nil {
				// Lost a race with an administrative cancel; the backend-side
				// task is abandoned best-effort.
				m.logger.Warn().Err(err).Str("job_id", m.job.ID).Msg("Session write rejected, abandoning backend task")
				_ = m.client.Cancel(ctx, session)
				return false
			}
			m.job.BackendSession = session
			m.logger.Info().Str("job_id", m.job.ID).Str("session", session).Msg("Job submitted to backend")
			return true
		}

		lastErr = err
		if forge.ClassOf(err) == forge.ClassBadRequest {
			m.fail(ctx, string(common.ErrBackendRejected), err.Error())
			return false
		}

		m.logger.Warn().Err(err).
			Str("job_id", m.job.ID).
			Int("attempt", attempt+1).
			Msg("Submit attempt failed")

		if attempt < maxRetries && !m.sleep(ctx, retry.Next()) {
			m.suspend()
			return false
		}
	}

	message := fmt.Sprintf("submission failed after %d attempts: %v", maxRetries+1, lastErr)
	if m.requeueOnSubmitFailure && m.job.RetryCount < m.maxRequeues {
		if err := m.queue.Fail(ctx, m.job.ID, string(common.ErrBackendTransport), message, true); err != nil {
			m.logger.Warn().Err(err).Str("job_id", m.job.ID).Msg("Requeue write rejected")
		} else {
			m.logger.Info().
				Str("job_id", m.job.ID).
				Int("retry_count", m.job.RetryCount+1).
				Msg("Submission exhausted, job requeued")
		}
		return false
	}
	m.fail(ctx, string(common.ErrBackendTransport), message)
	return false
}

// poll drives the polling phase. Returns true when the backend reports the
// generation finished and collection should begin.
func (m *Monitor) poll(ctx context.Context, deadline time.Time) bool {
	interval := common.DurationOr(m.cfg.PollInterval, time.Second)
	maxFailures := m.cfg.MaxPollFailures
	if maxFailures <= 0 {
		maxFailures = 10
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			m.suspend()
			return false
		case <-m.cancelCh:
			m.finishCancelled(ctx, m.job.BackendSession)
			return false
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			m.fail(ctx, string(common.ErrBackendTransport), "generation deadline exceeded")
			return false
		}

		status, err := m.client.PollProgress(ctx, m.job.BackendSession)
		if err != nil {
			if forge.ClassOf(err) == forge.ClassBadRequest {
				m.fail(ctx, string(common.ErrBackendRejected), err.Error())
				return false
			}
			consecutiveFailures++
			m.logger.Warn().Err(err).
				Str("job_id", m.job.ID).
				Int("consecutive", consecutiveFailures).
				Msg("Progress poll failed")
			if consecutiveFailures >= maxFailures {
				m.fail(ctx, string(common.ErrBackendTransport), fmt.Sprintf("progress polling failed %d times: %v", consecutiveFailures, err))
				return false
			}
			continue
		}
		consecutiveFailures = 0

		m.recordProgress(ctx, status)

		if !status.Active {
			return true
		}
	}
}

// recordProgress persists and publishes one progress snapshot. Percent never
// goes backward within a single monitor's lifetime.
func (m *Monitor) recordProgress(ctx context.Context, status *interfaces.ProgressStatus) {
	percent := status.Percent
	if percent < m.lastPercent {
		percent = m.lastPercent
	}
	m.lastPercent = percent

	previewName := ""
	if len(status.PreviewBytes) > 0 {
		previewName = m.writePreview(status.PreviewBytes)
	}

	if err := m.queue.UpdateProgress(ctx, m.job.ID, percent, previewName, status.CurrentStep, status.TotalSteps); err != nil {
		m.logger.Debug().Err(err).Str("job_id", m.job.ID).Msg("Progress write rejected")
		return
	}

	if m.events != nil {
		m.events.Publish(interfaces.Event{
			Type: interfaces.EventJobProgress,
			Frame: &models.ProgressFrame{
				JobID:           m.job.ID,
				Percent:         percent,
				PreviewFilename: previewName,
				CurrentStep:     status.CurrentStep,
				TotalSteps:      status.TotalSteps,
				Timestamp:       time.Now(),
			},
		})
	}
}

// writePreview saves the preview frame as <job_id>_preview.<ext>, overwritten
// in place. A content-hash check skips rewrites of an unchanged frame.
func (m *Monitor) writePreview(preview []byte) string {
	hash := sha256.Sum256(preview)
	name := m.job.ID + "_preview.png"
	if m.previewWritten && hash == m.lastPreviewHash {
		return name
	}

	if err := os.WriteFile(filepath.Join(m.outputDir, name), preview, 0o644); err != nil {
		m.logger.Warn().Err(err).Str("job_id", m.job.ID).Msg("Preview write failed")
		return ""
	}
	m.lastPreviewHash = hash
	m.previewWritten = true
	return name
}

// collect drives the collecting phase to a terminal status.
func (m *Monitor) collect(ctx context.Context, deadline time.Time) {
	retry := newBackoff(common.DurationOr(m.cfg.BackoffBase, time.Second), common.DurationOr(m.cfg.BackoffCap, 30*time.Second))
	maxRetries := m.cfg.MaxCollectRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Cancel during collection: already-written files stay on disk but
		// are never recorded in the result.
		if m.cancelled() {
			m.finishCancelled(ctx, m.job.BackendSession)
			return
		}
		if time.Now().After(deadline) {
			break
		}

		results, err := m.client.FetchResults(ctx, m.job.BackendSession)
		if err == nil {
			// A cancel that landed while the fetch was in flight still wins;
			// nothing from this fetch is saved or recorded.
			if m.cancelled() {
				m.finishCancelled(ctx, m.job.BackendSession)
				return
			}
			filenames, err := m.saveImages(results)
			if err != nil {
				m.fail(ctx, string(common.ErrInternal), fmt.Sprintf("failed to save images: %v", err))
				return
			}
			if err := m.queue.Complete(ctx, m.job.ID, filenames, results.InfoBlob); err != nil {
				m.logger.Warn().Err(err).Str("job_id", m.job.ID).Msg("Completion write rejected")
				return
			}
			m.logger.Info().
				Str("job_id", m.job.ID).
				Int("images", len(filenames)).
				Msg("Job completed")
			return
		}

		lastErr = err
		if forge.ClassOf(err) == forge.ClassBadRequest {
			m.fail(ctx, string(common.ErrBackendRejected), err.Error())
			return
		}

		m.logger.Warn().Err(err).
			Str("job_id", m.job.ID).
			Int("attempt", attempt+1).
			Msg("Result collection failed")

		if attempt < maxRetries && !m.sleep(ctx, retry.Next()) {
			m.suspend()
			return
		}
	}

	m.fail(ctx, string(common.ErrBackendTransport), fmt.Sprintf("result collection exhausted retries: %v", lastErr))
}

// saveImages writes result images as <job_id>_<seq>.<ext> with zero-padded
// sequence numbers and returns the filenames.
func (m *Monitor) saveImages(results *interfaces.GenerationResults) ([]string, error) {
	ext := results.ImageFormat
	if ext == "" {
		ext = "png"
	}

	filenames := make([]string, 0, len(results.Images))
	for i, img := range results.Images {
		name := fmt.Sprintf("%s_%0*d.%s", m.job.ID, seqWidth(len(results.Images)), i, ext)
		if err := os.WriteFile(filepath.Join(m.outputDir, name), img, 0o644); err != nil {
			return nil, err
		}
		filenames = append(filenames, name)
	}
	return filenames, nil
}

// seqWidth keeps single-image jobs at plain "_0" while padding larger sets.
func seqWidth(count int) int {
	width := 1
	for count > 10 {
		width++
		count /= 10
	}
	return width
}

func (m *Monitor) cancelled() bool {
	select {
	case <-m.cancelCh:
		return true
	default:
		return false
	}
}

// finishCancelled tells the backend to abandon its task, then marks the job
// cancelled. Backend-side work is not reversed; only local state changes.
func (m *Monitor) finishCancelled(ctx context.Context, session string) {
	if session != "" {
		if err := m.client.Cancel(ctx, session); err != nil {
			m.logger.Debug().Err(err).Str("job_id", m.job.ID).Msg("Backend cancel failed")
		}
	}
	if err := m.queue.Cancel(ctx, m.job.ID); err != nil && common.KindOf(err) != common.ErrInvalidTransition {
		m.logger.Warn().Err(err).Str("job_id", m.job.ID).Msg("Cancel write failed")
	}
	m.logger.Info().Str("job_id", m.job.ID).Msg("Job cancelled")
}

func (m *Monitor) fail(ctx context.Context, kind, message string) {
	if err := m.queue.Fail(ctx, m.job.ID, kind, message, false); err != nil {
		m.logger.Warn().Err(err).Str("job_id", m.job.ID).Msg("Failure write rejected")
		return
	}
	m.logger.Warn().
		Str("job_id", m.job.ID).
		Str("error_kind", kind).
		Str("error", message).
		Msg("Job failed")
}

// suspend leaves the job processing for adoption on the next start, bumping
// updated_at so the orphan scan sees recent activity.
func (m *Monitor) suspend() {
	touchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.queue.UpdateProgress(touchCtx, m.job.ID, m.lastPercent, "", 0, 0)
	m.logger.Info().Str("job_id", m.job.ID).Msg("Monitor suspended, job left processing")
}

// sleep waits for d unless ctx is cancelled. Returns false on cancellation.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
