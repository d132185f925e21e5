package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/topnlabs/pressline/internal/models"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskStore is the only writer of publish_tasks rows. Every status change
// goes through its transition gate so a row can never move backward.
type TaskStore struct {
	db *gorm.DB
}

func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) Create(task *models.PublishTask) error {
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if err := s.db.Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(taskID string) (*models.PublishTask, error) {
	var task models.PublishTask
	err := s.db.Where("task_id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

func (s *TaskStore) GetForUser(taskID string, userID uint) (*models.PublishTask, error) {
	var task models.PublishTask
	err := s.db.Where("task_id = ? AND user_id = ?", taskID, userID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

// TaskUpdate carries the mutable fields a status change may touch.
// Nil pointers leave the column untouched.
type TaskUpdate struct {
	Status       models.TaskStatus
	SubState     *string
	QRSessionID  *string
	Progress     *int
	ResultURL    *string
	ErrorMessage *string
}

// Transition applies an update after checking the current row allows it.
// Re-delivered jobs hitting a terminal row get ErrInvalidTransition, which
// callers treat as "someone already finished this".
func (s *TaskStore) Transition(taskID string, update TaskUpdate) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var task models.PublishTask
		err := tx.Where("task_id = ?", taskID).First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}

		if !task.Status.CanTransitionTo(update.Status) {
			return fmt.Errorf("%w: %s -> %s (task %s)",
				ErrInvalidTransition, task.Status, update.Status, taskID)
		}

		values := map[string]any{"status": update.Status}
		now := time.Now()
		if update.Status == models.TaskRunning && task.Status != models.TaskRunning {
			values["started_at"] = now
		}
		if update.Status.Terminal() {
			values["completed_at"] = now
			// Terminal rows never keep a pending sub-state
			values["sub_state"] = ""
		}
		if update.SubState != nil {
			values["sub_state"] = *update.SubState
		}
		if update.QRSessionID != nil {
			values["qr_session_id"] = *update.QRSessionID
		}
		if update.Progress != nil {
			values["progress"] = *update.Progress
		}
		if update.ResultURL != nil {
			values["result_url"] = *update.ResultURL
		}
		if update.ErrorMessage != nil {
			values["error_message"] = *update.ErrorMessage
		}

		if err := tx.Model(&models.PublishTask{}).Where("task_id = ?", taskID).Updates(values).Error; err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		return nil
	})
}

// SetProgress bumps progress without touching status.
func (s *TaskStore) SetProgress(taskID string, progress int) error {
	task, err := s.Get(taskID)
	if err != nil {
		return err
	}
	return s.Transition(taskID, TaskUpdate{Status: task.Status, Progress: &progress})
}

// Delete removes a task row. Only terminal tasks may be deleted; the
// retention job and explicit clear calls go through here.
func (s *TaskStore) Delete(taskID string) error {
	var task models.PublishTask
	err := s.db.Where("task_id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	if !task.Status.Terminal() {
		return fmt.Errorf("cannot delete task %s in status %s", taskID, task.Status)
	}
	return s.db.Delete(&task).Error
}

// DeleteRolledBack removes a just-created record whose enqueue failed.
// This is the one path allowed to delete a non-terminal row, and only
// while it is still pending.
func (s *TaskStore) DeleteRolledBack(taskID string) error {
	return s.db.Where("task_id = ? AND status = ?", taskID, models.TaskPending).
		Delete(&models.PublishTask{}).Error
}

func (s *TaskStore) ListByUser(userID uint, status models.TaskStatus, limit, offset int) ([]models.PublishTask, int64, error) {
	query := s.db.Model(&models.PublishTask{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	var tasks []models.PublishTask
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}

// StatusCounts returns the per-status task totals for one user.
func (s *TaskStore) StatusCounts(userID uint) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.Model(&models.PublishTask{}).
		Select("status, count(*) as n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count task statuses: %w", err)
	}

	counts := map[string]int64{
		string(models.TaskPending): 0, string(models.TaskQueued): 0,
		string(models.TaskRunning): 0, string(models.TaskSuccess): 0,
		string(models.TaskFailed): 0, string(models.TaskCancelled): 0,
	}
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// StaleRunning returns running tasks that started before the cutoff.
// The maintenance job cross-checks these against the broker before
// declaring the worker lost.
func (s *TaskStore) StaleRunning(cutoff time.Time) ([]models.PublishTask, error) {
	var tasks []models.PublishTask
	err := s.db.Where("status = ? AND started_at IS NOT NULL AND started_at < ?",
		models.TaskRunning, cutoff).Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	return tasks, nil
}

// ClearTerminalForUser removes all of one user's finished tasks,
// optionally narrowed to a single terminal status.
func (s *TaskStore) ClearTerminalForUser(userID uint, status models.TaskStatus) (int64, error) {
	query := s.db.Where("user_id = ?", userID)
	if status != "" {
		if !status.Terminal() {
			return 0, fmt.Errorf("cannot clear tasks in non-terminal status %s", status)
		}
		query = query.Where("status = ?", status)
	} else {
		query = query.Where("status IN ?",
			[]models.TaskStatus{models.TaskSuccess, models.TaskFailed, models.TaskCancelled})
	}
	res := query.Delete(&models.PublishTask{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteTerminalBefore prunes terminal tasks older than the cutoff and
// returns how many rows went away.
func (s *TaskStore) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	res := s.db.Where("status IN ? AND created_at < ?",
		[]models.TaskStatus{models.TaskSuccess, models.TaskFailed, models.TaskCancelled}, cutoff).
		Delete(&models.PublishTask{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}
