package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/topnlabs/pressline/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		db.Exec("DELETE FROM publish_tasks")
		db.Exec("DELETE FROM publish_histories")
		db.Exec("DELETE FROM platform_accounts")
	})
	return db
}

func newTask(taskID string) *models.PublishTask {
	return &models.PublishTask{
		TaskID:         taskID,
		UserID:         1,
		ArticleTitle:   "T",
		ArticleContent: "short body",
		Platform:       "zhihu",
		Status:         models.TaskPending,
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := NewTaskStore(newTestDB(t))
	require.NoError(t, s.Create(newTask("t-1")))

	require.NoError(t, s.Transition("t-1", TaskUpdate{Status: models.TaskQueued}))
	require.NoError(t, s.Transition("t-1", TaskUpdate{Status: models.TaskRunning}))

	url := "https://zhuanlan.zhihu.com/p/123"
	require.NoError(t, s.Transition("t-1", TaskUpdate{Status: models.TaskSuccess, ResultURL: &url}))

	task, err := s.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, task.Status)
	assert.Equal(t, url, task.ResultURL)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)
}

func TestTransitionRejectsBackward(t *testing.T) {
	s := NewTaskStore(newTestDB(t))
	require.NoError(t, s.Create(newTask("t-2")))
	require.NoError(t, s.Transition("t-2", TaskUpdate{Status: models.TaskQueued}))
	require.NoError(t, s.Transition("t-2", TaskUpdate{Status: models.TaskRunning}))

	err := s.Transition("t-2", TaskUpdate{Status: models.TaskQueued})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionRejectsTerminalRewrite(t *testing.T) {
	s := NewTaskStore(newTestDB(t))
	require.NoError(t, s.Create(newTask("t-3")))
	require.NoError(t, s.Transition("t-3", TaskUpdate{Status: models.TaskQueued}))
	require.NoError(t, s.Transition("t-3", TaskUpdate{Status: models.TaskRunning}))
	msg := "login failed"
	require.NoError(t, s.Transition("t-3", TaskUpdate{Status: models.TaskFailed, ErrorMessage: &msg}))

	// A re-delivered job must not resurrect a finished task
	err := s.Transition("t-3", TaskUpdate{Status: models.TaskRunning})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = s.Transition("t-3", TaskUpdate{Status: models.TaskSuccess})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTerminalClearsSubState(t *testing.T) {
	s := NewTaskStore(newTestDB(t))
	require.NoError(t, s.Create(newTask("t-4")))
	require.NoError(t, s.Transition("t-4", TaskUpdate{Status: models.TaskQueued}))

	sub := models.SubStateAwaitingScan
	sess := "sess-9"
	require.NoError(t, s.Transition("t-4", TaskUpdate{Status: models.TaskRunning, SubState: &sub, QRSessionID: &sess}))

	task, err := s.Get("t-4")
	require.NoError(t, err)
	assert.Equal(t, models.SubStateAwaitingScan, task.SubState)

	msg := "QR expired"
	require.NoError(t, s.Transition("t-4", TaskUpdate{Status: models.TaskFailed, ErrorMessage: &msg}))

	task, err = s.Get("t-4")
	require.NoError(t, err)
	assert.Empty(t, task.SubState)
}

func TestDeleteOnlyTerminal(t *testing.T) {
	s := NewTaskStore(newTestDB(t))
	require.NoError(t, s.Create(newTask("t-5")))
	require.NoError(t, s.Transition("t-5", TaskUpdate{Status: models.TaskQueued}))

	assert.Error(t, s.Delete("t-5"))

	require.NoError(t, s.Transition("t-5", TaskUpdate{Status: models.TaskCancelled}))
	assert.NoError(t, s.Delete("t-5"))

	_, err := s.Get("t-5")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDeleteRolledBackOnlyPending(t *testing.T) {
	s := NewTaskStore(newTestDB(t))
	require.NoError(t, s.Create(newTask("t-6")))
	require.NoError(t, s.DeleteRolledBack("t-6"))
	_, err := s.Get("t-6")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	require.NoError(t, s.Create(newTask("t-7")))
	require.NoError(t, s.Transition("t-7", TaskUpdate{Status: models.TaskQueued}))
	require.NoError(t, s.DeleteRolledBack("t-7"))
	// Still there: rollback only removes pending rows
	_, err = s.Get("t-7")
	assert.NoError(t, err)
}

func TestStaleRunningAndRetention(t *testing.T) {
	db := newTestDB(t)
	s := NewTaskStore(db)

	require.NoError(t, s.Create(newTask("t-8")))
	require.NoError(t, s.Transition("t-8", TaskUpdate{Status: models.TaskQueued}))
	require.NoError(t, s.Transition("t-8", TaskUpdate{Status: models.TaskRunning}))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.PublishTask{}).Where("task_id = ?", "t-8").
		Update("started_at", old).Error)

	stale, err := s.StaleRunning(time.Now().Add(-30 * time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "t-8", stale[0].TaskID)

	msg := "worker lost"
	require.NoError(t, s.Transition("t-8", TaskUpdate{Status: models.TaskFailed, ErrorMessage: &msg}))
	require.NoError(t, db.Model(&models.PublishTask{}).Where("task_id = ?", "t-8").
		Update("created_at", old).Error)

	n, err := s.DeleteTerminalBefore(time.Now().Add(-30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListAndCounts(t *testing.T) {
	s := NewTaskStore(newTestDB(t))
	for _, id := range []string{"l-1", "l-2", "l-3"} {
		require.NoError(t, s.Create(newTask(id)))
	}
	require.NoError(t, s.Transition("l-1", TaskUpdate{Status: models.TaskQueued}))

	tasks, total, err := s.ListByUser(1, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, tasks, 3)

	queued, total, err := s.ListByUser(1, models.TaskQueued, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, queued, 1)
	assert.Equal(t, "l-1", queued[0].TaskID)

	counts, err := s.StatusCounts(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["pending"])
	assert.Equal(t, int64(1), counts["queued"])
	assert.Equal(t, int64(0), counts["running"])
}
