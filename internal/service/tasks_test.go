package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/topnlabs/pressline/internal/models"
	"github.com/topnlabs/pressline/internal/queue"
	"github.com/topnlabs/pressline/internal/store"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		db.Exec("DELETE FROM publish_tasks")
		db.Exec("DELETE FROM publish_histories")
		db.Exec("DELETE FROM platform_accounts")
	})
	return db
}

// fakeJob mirrors the broker's per-job hash: state plus the claim time a
// crashed worker leaves behind.
type fakeJob struct {
	state     queue.JobState
	startedAt time.Time
}

// fakeBroker is an in-memory stand-in for the redis broker covering both
// the enqueue and the worker surfaces. Exists follows the real broker's
// semantics: a started job whose claim outlived the job timeout is gone.
type fakeBroker struct {
	mu         sync.Mutex
	queued     []queue.Job
	jobs       map[string]*fakeJob
	acks       []queue.Result
	requeues   []queue.Job
	enqueueErr error
	jobTimeout time.Duration
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{jobs: make(map[string]*fakeJob), jobTimeout: 10 * time.Minute}
}

func (b *fakeBroker) Enqueue(_ context.Context, job queue.Job) error {
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, job)
	b.jobs[job.TaskID] = &fakeJob{state: queue.JobQueued}
	return nil
}

func (b *fakeBroker) CancelPending(_ context.Context, job queue.Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, queued := range b.queued {
		if queued.TaskID == job.TaskID {
			b.queued = append(b.queued[:i], b.queued[i+1:]...)
			delete(b.jobs, job.TaskID)
			return true, nil
		}
	}
	return false, nil
}

func (b *fakeBroker) Exists(_ context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[taskID]
	if !ok {
		return false, nil
	}
	if job.state == queue.JobStarted && time.Since(job.startedAt) > b.jobTimeout {
		delete(b.jobs, taskID)
		return false, nil
	}
	return true, nil
}

func (b *fakeBroker) Stats(context.Context) (map[string]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int64{"queued": int64(len(b.queued))}, nil
}

func (b *fakeBroker) PruneEmptyQueues(context.Context) error { return nil }

func (b *fakeBroker) Dequeue(_ context.Context, _ string) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queued) == 0 {
		return nil, queue.ErrEmpty
	}
	job := b.queued[0]
	b.queued = b.queued[1:]
	b.jobs[job.TaskID] = &fakeJob{state: queue.JobStarted, startedAt: time.Now()}
	return &job, nil
}

func (b *fakeBroker) Ack(_ context.Context, _ string, taskID string, result queue.Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, result)
	if job, ok := b.jobs[taskID]; ok {
		job.state = queue.JobFinished
		if !result.Success {
			job.state = queue.JobFailed
		}
	}
	return nil
}

func (b *fakeBroker) Requeue(_ context.Context, _ string, job queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requeues = append(b.requeues, job)
	b.queued = append(b.queued, job)
	b.jobs[job.TaskID] = &fakeJob{state: queue.JobQueued}
	return nil
}

// backdateClaim ages a started job's claim, simulating a worker that
// crashed mid-task.
func (b *fakeBroker) backdateClaim(taskID string, age time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if job, ok := b.jobs[taskID]; ok {
		job.startedAt = time.Now().Add(-age)
	}
}

type managerFixture struct {
	manager *TaskManager
	tasks   *store.TaskStore
	broker  *fakeBroker
	db      *gorm.DB
}

func newManager(t *testing.T) managerFixture {
	t.Helper()
	db := newTestDB(t)
	tasks := store.NewTaskStore(db)
	broker := newFakeBroker()
	manager := NewTaskManager(tasks, broker, 15*time.Minute, 7*24*time.Hour, zap.NewNop())
	manager.pollInterval = 10 * time.Millisecond
	return managerFixture{manager: manager, tasks: tasks, broker: broker, db: db}
}

func validRequest() CreateRequest {
	return CreateRequest{
		UserID:   1,
		Title:    "A title",
		Content:  "Some body text",
		Platform: "zhihu",
	}
}

func TestCreateAndEnqueue(t *testing.T) {
	fx := newManager(t)

	task, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, models.TaskQueued, task.Status)

	stored, err := fx.tasks.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, stored.Status)

	require.Len(t, fx.broker.queued, 1)
	assert.Equal(t, task.TaskID, fx.broker.queued[0].TaskID)
}

func TestCreateRejectsMissingFields(t *testing.T) {
	fx := newManager(t)

	for _, req := range []CreateRequest{
		{UserID: 0, Title: "t", Content: "c", Platform: "zhihu"},
		{UserID: 1, Title: "", Content: "c", Platform: "zhihu"},
		{UserID: 1, Title: "t", Content: "  ", Platform: "zhihu"},
		{UserID: 1, Title: "t", Content: "c", Platform: ""},
	} {
		_, err := fx.manager.CreateAndEnqueue(context.Background(), req)
		assert.Error(t, err)
	}

	// Validation failures must not leave records or jobs behind
	_, total, err := fx.tasks.ListByUser(1, "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, fx.broker.queued)
}

func TestEnqueueFailureRollsBackRecord(t *testing.T) {
	fx := newManager(t)
	fx.broker.enqueueErr = errors.New("broker down")

	_, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.Error(t, err)

	_, total, err := fx.tasks.ListByUser(1, "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "no orphaned record may survive an enqueue failure")
}

func TestCancelQueuedTask(t *testing.T) {
	fx := newManager(t)

	task, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, fx.manager.Cancel(context.Background(), task.TaskID, 1))

	stored, err := fx.tasks.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)
	assert.Empty(t, fx.broker.queued, "cancelled job must leave the queue")
}

func TestCancelLosesRaceToWorker(t *testing.T) {
	fx := newManager(t)

	task, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)

	// Simulate a worker claiming the job just before the cancel
	_, err = fx.broker.Dequeue(context.Background(), "w1")
	require.NoError(t, err)

	err = fx.manager.Cancel(context.Background(), task.TaskID, 1)
	assert.ErrorIs(t, err, ErrCannotCancel)
}

func TestCancelRunningTask(t *testing.T) {
	fx := newManager(t)

	task, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)
	require.NoError(t, fx.tasks.Transition(task.TaskID, store.TaskUpdate{Status: models.TaskRunning}))

	err = fx.manager.Cancel(context.Background(), task.TaskID, 1)
	assert.ErrorIs(t, err, ErrCannotCancel)
}

func TestRetryClonesFailedTask(t *testing.T) {
	fx := newManager(t)

	task, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)
	require.NoError(t, fx.tasks.Transition(task.TaskID, store.TaskUpdate{Status: models.TaskRunning}))
	msg := "submit blocked"
	require.NoError(t, fx.tasks.Transition(task.TaskID, store.TaskUpdate{Status: models.TaskFailed, ErrorMessage: &msg}))

	clone, err := fx.manager.Retry(context.Background(), task.TaskID, 1)
	require.NoError(t, err)
	assert.NotEqual(t, task.TaskID, clone.TaskID)
	assert.Equal(t, models.TaskQueued, clone.Status)
	assert.Equal(t, 1, clone.RetryCount)
	assert.Equal(t, task.ArticleTitle, clone.ArticleTitle)

	// Original stays terminal and untouched
	original, err := fx.tasks.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, original.Status)

	require.Len(t, fx.broker.queued, 2)
}

func TestRetryRejectsNonFailedTask(t *testing.T) {
	fx := newManager(t)

	task, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = fx.manager.Retry(context.Background(), task.TaskID, 1)
	assert.Error(t, err)
}

func TestWaitForTerminalReturnsAtTimeout(t *testing.T) {
	fx := newManager(t)

	task, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)

	start := time.Now()
	current, err := fx.manager.WaitForTerminal(context.Background(), task.TaskID, 1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, current.Status, "timeout returns the live state without failing the task")
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForTerminalSeesCompletion(t *testing.T) {
	fx := newManager(t)

	task, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = fx.tasks.Transition(task.TaskID, store.TaskUpdate{Status: models.TaskRunning})
		url := "https://zhuanlan.zhihu.com/p/1"
		_ = fx.tasks.Transition(task.TaskID, store.TaskUpdate{Status: models.TaskSuccess, ResultURL: &url})
	}()

	current, err := fx.manager.WaitForTerminal(context.Background(), task.TaskID, 1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, current.Status)
}

func TestMaintenanceDemotesLostRunningTasks(t *testing.T) {
	fx := newManager(t)

	lost, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)
	alive, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)

	// The lost task's job is gone from the broker; the alive one is not
	removed, err := fx.broker.CancelPending(context.Background(), queue.Job{TaskID: lost.TaskID})
	require.NoError(t, err)
	require.True(t, removed)

	for _, id := range []string{lost.TaskID, alive.TaskID} {
		require.NoError(t, fx.tasks.Transition(id, store.TaskUpdate{Status: models.TaskRunning}))
	}
	past := time.Now().Add(-time.Hour)
	require.NoError(t, fx.db.Model(&models.PublishTask{}).
		Where("task_id IN ?", []string{lost.TaskID, alive.TaskID}).
		Update("started_at", past).Error)

	fx.manager.RunMaintenance(context.Background())

	demoted, err := fx.tasks.Get(lost.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, demoted.Status)
	assert.Equal(t, "worker lost", demoted.ErrorMessage)

	survivor, err := fx.tasks.Get(alive.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, survivor.Status, "tasks with live jobs are left alone")
}

func TestMaintenanceDemotesCrashedWorkerClaims(t *testing.T) {
	fx := newManager(t)

	crashed, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)
	active, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)

	// Both jobs were claimed; one claim is an hour old (its worker died
	// without acking), the other is still inside the job timeout
	_, err = fx.broker.Dequeue(context.Background(), "w-1")
	require.NoError(t, err)
	_, err = fx.broker.Dequeue(context.Background(), "w-2")
	require.NoError(t, err)
	fx.broker.backdateClaim(crashed.TaskID, time.Hour)

	for _, id := range []string{crashed.TaskID, active.TaskID} {
		require.NoError(t, fx.tasks.Transition(id, store.TaskUpdate{Status: models.TaskRunning}))
	}
	past := time.Now().Add(-time.Hour)
	require.NoError(t, fx.db.Model(&models.PublishTask{}).
		Where("task_id IN ?", []string{crashed.TaskID, active.TaskID}).
		Update("started_at", past).Error)

	fx.manager.RunMaintenance(context.Background())

	demoted, err := fx.tasks.Get(crashed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, demoted.Status)
	assert.Equal(t, "worker lost", demoted.ErrorMessage)

	survivor, err := fx.tasks.Get(active.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, survivor.Status, "a claim inside the job timeout is still owned")
}

func TestMaintenanceAppliesRetention(t *testing.T) {
	fx := newManager(t)

	task, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)
	require.NoError(t, fx.tasks.Transition(task.TaskID, store.TaskUpdate{Status: models.TaskRunning}))
	require.NoError(t, fx.tasks.Transition(task.TaskID, store.TaskUpdate{Status: models.TaskFailed, ErrorMessage: strPtr("x")}))
	require.NoError(t, fx.db.Model(&models.PublishTask{}).
		Where("task_id = ?", task.TaskID).
		Update("created_at", time.Now().Add(-30*24*time.Hour)).Error)

	fx.manager.RunMaintenance(context.Background())

	_, err = fx.tasks.Get(task.TaskID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestClearTasks(t *testing.T) {
	fx := newManager(t)

	done, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)
	require.NoError(t, fx.tasks.Transition(done.TaskID, store.TaskUpdate{Status: models.TaskRunning}))
	require.NoError(t, fx.tasks.Transition(done.TaskID, store.TaskUpdate{Status: models.TaskSuccess}))

	active, err := fx.manager.CreateAndEnqueue(context.Background(), validRequest())
	require.NoError(t, err)

	cleared, err := fx.manager.ClearTasks(1, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cleared)

	_, err = fx.tasks.Get(active.TaskID)
	assert.NoError(t, err, "non-terminal tasks survive a clear")
}
