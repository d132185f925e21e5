package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/models"
	"github.com/topnlabs/pressline/internal/queue"
	"github.com/topnlabs/pressline/internal/store"
)

// ErrCannotCancel means the task has already been claimed by a worker
// (or finished); only pending and queued tasks can be cancelled.
var ErrCannotCancel = errors.New("task can no longer be cancelled")

// TaskRecords is the slice of the task store the manager and worker
// consume. Narrowing it to an interface keeps both testable against an
// in-memory fake.
type TaskRecords interface {
	Create(task *models.PublishTask) error
	Get(taskID string) (*models.PublishTask, error)
	GetForUser(taskID string, userID uint) (*models.PublishTask, error)
	Transition(taskID string, update store.TaskUpdate) error
	SetProgress(taskID string, progress int) error
	DeleteRolledBack(taskID string) error
	ListByUser(userID uint, status models.TaskStatus, limit, offset int) ([]models.PublishTask, int64, error)
	StatusCounts(userID uint) (map[string]int64, error)
	ClearTerminalForUser(userID uint, status models.TaskStatus) (int64, error)
	StaleRunning(cutoff time.Time) ([]models.PublishTask, error)
	DeleteTerminalBefore(cutoff time.Time) (int64, error)
}

// JobBroker is the queue surface the manager needs: hand jobs over,
// pull cancelled ones back, and answer liveness questions for the
// reconciliation pass.
type JobBroker interface {
	Enqueue(ctx context.Context, job queue.Job) error
	CancelPending(ctx context.Context, job queue.Job) (bool, error)
	Exists(ctx context.Context, taskID string) (bool, error)
	Stats(ctx context.Context) (map[string]int64, error)
	PruneEmptyQueues(ctx context.Context) error
}

// CreateRequest is one publish request from the HTTP layer.
type CreateRequest struct {
	UserID    uint
	ArticleID *uint
	Title     string
	Content   string
	Platform  string
	Topics    []string
	Draft     bool
}

func (r *CreateRequest) validate() error {
	switch {
	case r.UserID == 0:
		return fmt.Errorf("user_id is required")
	case strings.TrimSpace(r.Title) == "":
		return fmt.Errorf("title is required")
	case strings.TrimSpace(r.Content) == "":
		return fmt.Errorf("content is required")
	case strings.TrimSpace(r.Platform) == "":
		return fmt.Errorf("platform is required")
	}
	return nil
}

// TaskManager owns the create/enqueue/status/cancel lifecycle of publish
// tasks and keeps the task table consistent with the broker.
type TaskManager struct {
	logger *zap.Logger
	tasks  TaskRecords
	broker JobBroker

	staleThreshold time.Duration
	taskRetention  time.Duration
	pollInterval   time.Duration
}

func NewTaskManager(tasks TaskRecords, broker JobBroker, staleThreshold, taskRetention time.Duration, logger *zap.Logger) *TaskManager {
	return &TaskManager{
		logger:         logger,
		tasks:          tasks,
		broker:         broker,
		staleThreshold: staleThreshold,
		taskRetention:  taskRetention,
		pollInterval:   time.Second,
	}
}

// CreateAndEnqueue creates the task record and hands the job to the
// broker. The two either both succeed or the record is rolled back; a
// task_id returned from here is always backed by a queued job.
func (m *TaskManager) CreateAndEnqueue(ctx context.Context, req CreateRequest) (*models.PublishTask, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	task := &models.PublishTask{
		TaskID:         uuid.NewString(),
		UserID:         req.UserID,
		ArticleID:      req.ArticleID,
		ArticleTitle:   req.Title,
		ArticleContent: req.Content,
		Platform:       req.Platform,
		Topics:         strings.Join(req.Topics, ","),
		Draft:          req.Draft,
		Status:         models.TaskPending,
	}
	if err := m.tasks.Create(task); err != nil {
		return nil, err
	}

	job := queue.Job{
		TaskID:     task.TaskID,
		UserID:     task.UserID,
		Platform:   task.Platform,
		EnqueuedAt: time.Now(),
	}
	if err := m.broker.Enqueue(ctx, job); err != nil {
		if rbErr := m.tasks.DeleteRolledBack(task.TaskID); rbErr != nil {
			m.logger.Error("Failed to roll back task after enqueue failure",
				zap.String("task_id", task.TaskID), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	if err := m.tasks.Transition(task.TaskID, store.TaskUpdate{Status: models.TaskQueued}); err != nil {
		m.logger.Error("Failed to mark task queued",
			zap.String("task_id", task.TaskID), zap.Error(err))
	} else {
		task.Status = models.TaskQueued
	}

	m.logger.Info("Task enqueued",
		zap.String("task_id", task.TaskID),
		zap.Uint("user_id", task.UserID),
		zap.String("platform", task.Platform),
		zap.Bool("draft", task.Draft))
	return task, nil
}

// CreateBatch enqueues several requests for one user and reports
// per-item outcomes instead of failing the whole batch.
func (m *TaskManager) CreateBatch(ctx context.Context, reqs []CreateRequest) ([]*models.PublishTask, []error) {
	tasks := make([]*models.PublishTask, len(reqs))
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		tasks[i], errs[i] = m.CreateAndEnqueue(ctx, req)
	}
	return tasks, errs
}

// GetStatus returns the current task record. Never blocks.
func (m *TaskManager) GetStatus(taskID string, userID uint) (*models.PublishTask, error) {
	return m.tasks.GetForUser(taskID, userID)
}

// WaitForTerminal polls until the task reaches a terminal state or the
// timeout elapses, returning the record's state either way. Used by the
// QR flow; each poll is an independent read, no transaction spans the
// wait.
func (m *TaskManager) WaitForTerminal(ctx context.Context, taskID string, userID uint, timeout time.Duration) (*models.PublishTask, error) {
	deadline := time.Now().Add(timeout)
	for {
		task, err := m.tasks.GetForUser(taskID, userID)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() || time.Now().After(deadline) {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, nil
		case <-time.After(m.pollInterval):
		}
	}
}

// Cancel withdraws a task that no worker has claimed yet. Running tasks
// cannot be cancelled; the reconciliation pass is the backstop for
// workers that hang.
func (m *TaskManager) Cancel(ctx context.Context, taskID string, userID uint) error {
	task, err := m.tasks.GetForUser(taskID, userID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskPending && task.Status != models.TaskQueued {
		return fmt.Errorf("%w: status is %s", ErrCannotCancel, task.Status)
	}

	job := queue.Job{TaskID: task.TaskID, UserID: task.UserID, Platform: task.Platform}
	removed, err := m.broker.CancelPending(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to withdraw job: %w", err)
	}
	if !removed {
		// A worker grabbed it between the read and the withdraw
		return fmt.Errorf("%w: already claimed by a worker", ErrCannotCancel)
	}

	msg := "cancelled by user"
	if err := m.tasks.Transition(taskID, store.TaskUpdate{
		Status:       models.TaskCancelled,
		ErrorMessage: &msg,
	}); err != nil {
		return err
	}

	m.logger.Info("Task cancelled", zap.String("task_id", taskID), zap.Uint("user_id", userID))
	return nil
}

// Retry clones a failed task into a fresh one. The original record is
// terminal and immutable; the clone carries an incremented retry count.
func (m *TaskManager) Retry(ctx context.Context, taskID string, userID uint) (*models.PublishTask, error) {
	task, err := m.tasks.GetForUser(taskID, userID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskFailed {
		return nil, fmt.Errorf("only failed tasks can be retried, task is %s", task.Status)
	}
	if task.RetryCount >= task.MaxRetries {
		return nil, fmt.Errorf("task exhausted its %d retries", task.MaxRetries)
	}

	clone := &models.PublishTask{
		TaskID:         uuid.NewString(),
		UserID:         task.UserID,
		ArticleID:      task.ArticleID,
		ArticleTitle:   task.ArticleTitle,
		ArticleContent: task.ArticleContent,
		Platform:       task.Platform,
		Topics:         task.Topics,
		Draft:          task.Draft,
		Status:         models.TaskPending,
		RetryCount:     task.RetryCount + 1,
		MaxRetries:     task.MaxRetries,
	}
	if err := m.tasks.Create(clone); err != nil {
		return nil, err
	}

	job := queue.Job{
		TaskID:     clone.TaskID,
		UserID:     clone.UserID,
		Platform:   clone.Platform,
		EnqueuedAt: time.Now(),
	}
	if err := m.broker.Enqueue(ctx, job); err != nil {
		if rbErr := m.tasks.DeleteRolledBack(clone.TaskID); rbErr != nil {
			m.logger.Error("Failed to roll back retry task",
				zap.String("task_id", clone.TaskID), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("failed to enqueue retry: %w", err)
	}
	if err := m.tasks.Transition(clone.TaskID, store.TaskUpdate{Status: models.TaskQueued}); err == nil {
		clone.Status = models.TaskQueued
	}

	m.logger.Info("Task retried",
		zap.String("task_id", taskID),
		zap.String("retry_task_id", clone.TaskID),
		zap.Int("retry_count", clone.RetryCount))
	return clone, nil
}

// ListUserTasks pages through one user's tasks, optionally filtered by
// status, alongside per-status totals.
func (m *TaskManager) ListUserTasks(userID uint, status models.TaskStatus, limit, offset int) ([]models.PublishTask, int64, map[string]int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	tasks, total, err := m.tasks.ListByUser(userID, status, limit, offset)
	if err != nil {
		return nil, 0, nil, err
	}
	counts, err := m.tasks.StatusCounts(userID)
	if err != nil {
		return nil, 0, nil, err
	}
	return tasks, total, counts, nil
}

// ClearTasks deletes one user's finished tasks and returns the count.
func (m *TaskManager) ClearTasks(userID uint, status models.TaskStatus) (int64, error) {
	cleared, err := m.tasks.ClearTerminalForUser(userID, status)
	if err == nil && cleared > 0 {
		m.logger.Info("Tasks cleared", zap.Uint("user_id", userID), zap.Int64("count", cleared))
	}
	return cleared, err
}

// QueueStats exposes broker-level queue depths for the admin endpoint.
func (m *TaskManager) QueueStats(ctx context.Context) (map[string]int64, error) {
	return m.broker.Stats(ctx)
}

// RunMaintenance reconciles the task table with the broker: running
// tasks whose job vanished are failed as "worker lost", empty queues are
// pruned, and terminal records beyond retention get deleted. Runs on a
// schedule, not per request.
func (m *TaskManager) RunMaintenance(ctx context.Context) {
	stale, err := m.tasks.StaleRunning(time.Now().Add(-m.staleThreshold))
	if err != nil {
		m.logger.Error("Maintenance: failed to list stale tasks", zap.Error(err))
	} else {
		for _, task := range stale {
			alive, err := m.broker.Exists(ctx, task.TaskID)
			if err != nil {
				m.logger.Error("Maintenance: broker check failed",
					zap.String("task_id", task.TaskID), zap.Error(err))
				continue
			}
			if alive {
				continue
			}
			msg := "worker lost"
			if err := m.tasks.Transition(task.TaskID, store.TaskUpdate{
				Status:       models.TaskFailed,
				ErrorMessage: &msg,
			}); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
				m.logger.Error("Maintenance: failed to demote stale task",
					zap.String("task_id", task.TaskID), zap.Error(err))
				continue
			}
			m.logger.Warn("Maintenance: demoted stale running task",
				zap.String("task_id", task.TaskID))
		}
	}

	if err := m.broker.PruneEmptyQueues(ctx); err != nil {
		m.logger.Error("Maintenance: failed to prune queues", zap.Error(err))
	}

	deleted, err := m.tasks.DeleteTerminalBefore(time.Now().Add(-m.taskRetention))
	if err != nil {
		m.logger.Error("Maintenance: retention delete failed", zap.Error(err))
	} else if deleted > 0 {
		m.logger.Info("Maintenance: pruned old tasks", zap.Int64("count", deleted))
	}
}
