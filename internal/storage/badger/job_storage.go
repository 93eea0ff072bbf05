package badger

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/kelsjon3/stablequeue/internal/common"
	"github.com/kelsjon3/stablequeue/internal/interfaces"
	"github.com/kelsjon3/stablequeue/internal/models"
)

// JobStorage implements the JobStorage interface for Badger. All
// state-changing operations run under one store mutex, which gives the
// claim-next operation its single-winner guarantee and keeps JobChanged
// events in strict transition order.
type JobStorage struct {
	db     *BadgerDB
	events interfaces.EventService
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new JobStorage instance. events may be nil; when
// present, a JobChanged snapshot is published on every transition.
func NewJobStorage(db *BadgerDB, events interfaces.EventService, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		events: events,
		logger: logger,
	}
}

func (s *JobStorage) Insert(ctx context.Context, job *models.Job) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if job.ID == "" {
		job.ID = common.NewJobID()
	}
	if job.AppType == "" {
		job.AppType = models.AppTypeForge
	}
	job.Status = models.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	job.CompletedAt = nil

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return nil, common.Errorf(common.ErrStorage, "failed to insert job: %v", err)
	}

	s.publishChanged(job)
	return job, nil
}

func (s *JobStorage) ClaimNextForBackend(ctx context.Context, alias string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.oldestPendingLocked(alias)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	job.Status = models.JobStatusProcessing
	s.bumpUpdated(job)
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return nil, common.Errorf(common.ErrStorage, "failed to claim job %s: %v", job.ID, err)
	}

	s.publishChanged(job)
	return job, nil
}

// oldestPendingLocked returns the oldest pending job for alias, tie-broken by
// lexicographic job ID. Caller holds s.mu.
func (s *JobStorage) oldestPendingLocked(alias string) (*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusPending).And("TargetBackend").Eq(alias)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, common.Errorf(common.ErrStorage, "failed to scan pending jobs: %v", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	return &jobs[0], nil
}

func (s *JobStorage) SetBackendSession(ctx context.Context, jobID, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing {
		return common.Errorf(common.ErrInvalidTransition, "cannot set session on %s job %s", job.Status, jobID)
	}
	if job.BackendSession != "" && job.BackendSession != session {
		return common.Errorf(common.ErrInvalidTransition, "backend session already set for job %s", jobID)
	}

	job.BackendSession = session
	s.bumpUpdated(job)
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return common.Errorf(common.ErrStorage, "failed to record session for job %s: %v", jobID, err)
	}

	s.publishChanged(job)
	return nil
}

func (s *JobStorage) UpdateProgress(ctx context.Context, jobID string, percent float64, preview string, step, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing {
		return common.Errorf(common.ErrInvalidTransition, "cannot record progress on %s job %s", job.Status, jobID)
	}

	if job.Result == nil {
		job.Result = &models.JobResult{}
	}
	job.Result.Percent = percent
	if preview != "" {
		job.Result.PreviewFilename = preview
	}
	job.Result.CurrentStep = step
	job.Result.TotalSteps = total
	s.bumpUpdated(job)

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return common.Errorf(common.ErrStorage, "failed to update progress for job %s: %v", jobID, err)
	}
	return nil
}

func (s *JobStorage) Complete(ctx context.Context, jobID string, filenames []string, info json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing {
		return common.Errorf(common.ErrInvalidTransition, "cannot complete %s job %s", job.Status, jobID)
	}

	if job.Result == nil {
		job.Result = &models.JobResult{}
	}
	job.Result.Filenames = filenames
	job.Result.InfoBlob = info
	job.Result.Percent = 100
	job.Status = models.JobStatusCompleted
	s.finishLocked(job)

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return common.Errorf(common.ErrStorage, "failed to complete job %s: %v", jobID, err)
	}

	s.publishChanged(job)
	return nil
}

func (s *JobStorage) Fail(ctx context.Context, jobID string, errorKind, message string, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing && job.Status != models.JobStatusPending {
		return common.Errorf(common.ErrInvalidTransition, "cannot fail %s job %s", job.Status, jobID)
	}

	if requeue {
		job.Status = models.JobStatusPending
		job.RetryCount++
		job.BackendSession = ""
		s.bumpUpdated(job)
	} else {
		if job.Result == nil {
			job.Result = &models.JobResult{}
		}
		job.Result.ErrorKind = errorKind
		job.Result.ErrorMessage = message
		job.Status = models.JobStatusFailed
		s.finishLocked(job)
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return common.Errorf(common.ErrStorage, "failed to fail job %s: %v", jobID, err)
	}

	s.publishChanged(job)
	return nil
}

func (s *JobStorage) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusProcessing {
		return common.Errorf(common.ErrInvalidTransition, "cannot cancel %s job %s", job.Status, jobID)
	}

	job.Status = models.JobStatusCancelled
	s.finishLocked(job)

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return common.Errorf(common.ErrStorage, "failed to cancel job %s: %v", jobID, err)
	}

	s.publishChanged(job)
	return nil
}

func (s *JobStorage) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.Errorf(common.ErrJobNotFound, "job not found: %s", jobID)
		}
		return nil, common.Errorf(common.ErrStorage, "failed to get job %s: %v", jobID, err)
	}
	return &job, nil
}

func (s *JobStorage) List(ctx context.Context, opts *models.JobListOptions) ([]*models.Job, int, error) {
	query := badgerhold.Where("ID").Ne("")
	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.AppType != "" {
			query = query.And("AppType").Eq(opts.AppType)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, 0, common.Errorf(common.ErrStorage, "failed to list jobs: %v", err)
	}

	total := len(jobs)

	ascending := opts != nil && strings.EqualFold(opts.Order, "asc")
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			if ascending {
				return jobs[i].ID < jobs[j].ID
			}
			return jobs[i].ID > jobs[j].ID
		}
		if ascending {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	offset, limit := 0, total
	if opts != nil {
		if opts.Offset > 0 {
			offset = opts.Offset
		}
		if opts.Limit > 0 {
			limit = opts.Limit
		}
	}
	if offset > len(jobs) {
		offset = len(jobs)
	}
	end := offset + limit
	if end > len(jobs) {
		end = len(jobs)
	}

	result := make([]*models.Job, 0, end-offset)
	for i := offset; i < end; i++ {
		j := jobs[i]
		result = append(result, &j)
	}
	return result, total, nil
}

func (s *JobStorage) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return common.Errorf(common.ErrInvalidTransition, "cannot delete %s job %s", job.Status, jobID)
	}

	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
		return common.Errorf(common.ErrStorage, "failed to delete job %s: %v", jobID, err)
	}
	return nil
}

func (s *JobStorage) ListOrphanedProcessing(ctx context.Context) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusProcessing)); err != nil {
		return nil, common.Errorf(common.ErrStorage, "failed to list processing jobs: %v", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) PendingPosition(ctx context.Context, jobID string) (int, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != models.JobStatusPending {
		return 0, nil
	}

	var pending []models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusPending).And("TargetBackend").Eq(job.TargetBackend)
	if err := s.db.Store().Find(&pending, query); err != nil {
		return 0, common.Errorf(common.ErrStorage, "failed to scan pending jobs: %v", err)
	}

	position := 1
	for i := range pending {
		other := &pending[i]
		if other.ID == job.ID {
			continue
		}
		if other.CreatedAt.Before(job.CreatedAt) ||
			(other.CreatedAt.Equal(job.CreatedAt) && other.ID < job.ID) {
			position++
		}
	}
	return position, nil
}

// getLocked fetches a job for mutation. Caller holds s.mu.
func (s *JobStorage) getLocked(jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.Errorf(common.ErrJobNotFound, "job not found: %s", jobID)
		}
		return nil, common.Errorf(common.ErrStorage, "failed to get job %s: %v", jobID, err)
	}
	return &job, nil
}

// bumpUpdated stamps UpdatedAt, keeping it non-decreasing even across clock
// adjustments.
func (s *JobStorage) bumpUpdated(job *models.Job) {
	now := time.Now()
	if now.Before(job.UpdatedAt) {
		now = job.UpdatedAt
	}
	job.UpdatedAt = now
}

// finishLocked stamps the terminal timestamps. CompletedAt is set exactly
// once and never precedes CreatedAt.
func (s *JobStorage) finishLocked(job *models.Job) {
	s.bumpUpdated(job)
	if job.CompletedAt == nil {
		done := job.UpdatedAt
		if done.Before(job.CreatedAt) {
			done = job.CreatedAt
		}
		job.CompletedAt = &done
	}
}

func (s *JobStorage) publishChanged(job *models.Job) {
	if s.events == nil {
		return
	}
	snapshot := *job
	s.events.Publish(interfaces.Event{Type: interfaces.EventJobChanged, Job: &snapshot})
}
