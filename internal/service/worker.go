package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/models"
	"github.com/topnlabs/pressline/internal/platform"
	"github.com/topnlabs/pressline/internal/platform/login"
	"github.com/topnlabs/pressline/internal/queue"
	"github.com/topnlabs/pressline/internal/store"
)

// WorkerBroker is the dequeue side of the broker.
type WorkerBroker interface {
	Dequeue(ctx context.Context, workerID string) (*queue.Job, error)
	Ack(ctx context.Context, workerID string, taskID string, result queue.Result) error
	Requeue(ctx context.Context, workerID string, job queue.Job) error
}

// HistoryAppender writes the append-only publish ledger.
type HistoryAppender interface {
	Append(record *models.PublishHistory) error
}

// AccountSource resolves stored platform credentials.
type AccountSource interface {
	Get(userID uint, platform string) (*models.PlatformAccount, error)
	MarkTested(userID uint, platform string, ok bool) error
}

// Decrypter recovers the plaintext password for the duration of a login
// attempt.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Limiter applies the per-user concurrency and rate caps.
type Limiter interface {
	Acquire(ctx context.Context, userID uint) bool
	Release(ctx context.Context, userID uint)
}

// PlatformSource resolves a registered platform by name.
type PlatformSource interface {
	Get(name string) (platform.Platform, error)
}

// ScanWaiter blocks on a QR session until it resolves or times out.
type ScanWaiter interface {
	Wait(id string, timeout time.Duration) (login.QRSession, bool)
}

// WorkerOptions tune one worker loop.
type WorkerOptions struct {
	ID           string
	PollInterval time.Duration
	JobTimeout   time.Duration
	QRScanWait   time.Duration
}

// Worker turns queued tasks into terminal ones, one at a time: claim a
// job, mark it running, resolve credentials, run the login chain, drive
// the publisher, record the outcome. One browser session per in-flight
// task.
type Worker struct {
	opts      WorkerOptions
	logger    *zap.Logger
	tasks     TaskRecords
	history   HistoryAppender
	accounts  AccountSource
	broker    WorkerBroker
	platforms PlatformSource
	cipher    Decrypter
	limiter   Limiter
	scans     ScanWaiter
}

func NewWorker(opts WorkerOptions, tasks TaskRecords, history HistoryAppender, accounts AccountSource,
	broker WorkerBroker, platforms PlatformSource, cipher Decrypter, limiter Limiter, scans ScanWaiter,
	logger *zap.Logger) *Worker {
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.JobTimeout == 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	return &Worker{
		opts:      opts,
		logger:    logger.With(zap.String("worker_id", opts.ID)),
		tasks:     tasks,
		history:   history,
		accounts:  accounts,
		broker:    broker,
		platforms: platforms,
		cipher:    cipher,
		limiter:   limiter,
		scans:     scans,
	}
}

// Run loops until the context is cancelled. Panics inside a single task
// never take the loop down.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Worker started")
	for {
		job, err := w.broker.Dequeue(ctx, w.opts.ID)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				w.logger.Info("Worker stopped")
				return
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Worker stopped")
				return
			}
			w.logger.Error("Dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}

		w.Process(ctx, *job)
	}
}

// Process executes one delivered job end to end. Exported so a QR
// follow-up or a test can drive a single job synchronously.
func (w *Worker) Process(ctx context.Context, job queue.Job) {
	log := w.logger.With(zap.String("task_id", job.TaskID), zap.Uint("user_id", job.UserID))

	// task is captured by the panic fence: once the record is loaded, a
	// panic still produces the terminal history row.
	var task *models.PublishTask

	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", zap.Any("panic", r))
			w.finishFailed(ctx, job, task, fmt.Sprintf("infrastructure error: %v", r))
		}
	}()

	// At-least-once delivery: a re-delivered job whose record is already
	// terminal must not publish again.
	task, err := w.tasks.Get(job.TaskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		log.Warn("Job references a deleted task, discarding")
		_ = w.broker.Ack(ctx, w.opts.ID, job.TaskID, queue.Result{
			TaskID: job.TaskID, Success: false, Detail: "task record missing", FinishedAt: time.Now(),
		})
		return
	}
	if err != nil {
		log.Error("Failed to load task, requeueing", zap.Error(err))
		_ = w.broker.Requeue(ctx, w.opts.ID, job)
		return
	}
	if task.Status.Terminal() {
		log.Info("Task already terminal, skipping re-delivery", zap.String("status", string(task.Status)))
		_ = w.broker.Ack(ctx, w.opts.ID, job.TaskID, queue.Result{
			TaskID: job.TaskID, Success: task.Status == models.TaskSuccess,
			Detail: "duplicate delivery", FinishedAt: time.Now(),
		})
		return
	}

	if !w.limiter.Acquire(ctx, job.UserID) {
		log.Info("User rate limited, requeueing")
		_ = w.broker.Requeue(ctx, w.opts.ID, job)
		time.Sleep(w.opts.PollInterval)
		return
	}
	defer w.limiter.Release(ctx, job.UserID)

	if err := w.tasks.Transition(job.TaskID, store.TaskUpdate{
		Status: models.TaskRunning, Progress: intPtr(0),
	}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Lost the race to another worker
			log.Info("Task claimed elsewhere, skipping")
			_ = w.broker.Ack(ctx, w.opts.ID, job.TaskID, queue.Result{
				TaskID: job.TaskID, Detail: "claimed by another worker", FinishedAt: time.Now(),
			})
			return
		}
		log.Error("Failed to mark task running", zap.Error(err))
		_ = w.broker.Requeue(ctx, w.opts.ID, job)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()
	w.execute(taskCtx, log, job, task)
}

func (w *Worker) execute(ctx context.Context, log *zap.Logger, job queue.Job, task *models.PublishTask) {
	plat, err := w.platforms.Get(job.Platform)
	if err != nil {
		w.finishFailed(ctx, job, task, fmt.Sprintf("unsupported platform: %s", job.Platform))
		return
	}

	creds, err := w.resolveCredentials(job)
	if err != nil {
		w.finishFailed(ctx, job, task, err.Error())
		return
	}
	_ = w.tasks.SetProgress(job.TaskID, 10)

	session, failDetail := w.resolveSession(ctx, log, plat, job, creds)
	if session == nil {
		w.finishFailed(ctx, job, task, failDetail)
		return
	}
	defer session.Close()
	_ = w.accounts.MarkTested(job.UserID, job.Platform, true)
	_ = w.tasks.SetProgress(job.TaskID, 20)

	article := platform.Article{
		Title:   task.ArticleTitle,
		Content: task.ArticleContent,
		Topics:  splitTopics(task.Topics),
		Draft:   task.Draft,
	}
	result, err := plat.Publish(ctx, session, article, func(pct int) {
		_ = w.tasks.SetProgress(job.TaskID, pct)
	})
	if err != nil {
		log.Warn("Publish failed", zap.Error(err))
		w.finishFailed(ctx, job, task, publishErrorMessage(err))
		return
	}

	w.finishSuccess(ctx, log, job, task, result.URL)
}

// resolveSession runs the login chain, handling the NEEDS_HUMAN detour:
// the task is parked in the awaiting-scan sub-state while this worker
// blocks on the QR session, then the chain reruns over the fresh
// cookies. Returns a live session or a failure detail.
func (w *Worker) resolveSession(ctx context.Context, log *zap.Logger, plat platform.Platform, job queue.Job, creds login.Credentials) (*login.Session, string) {
	result := plat.Login(ctx, creds)

	if result.Outcome == login.NeedsHuman {
		log.Info("Login needs human step, awaiting QR scan",
			zap.String("qr_session_id", result.QRSessionID))
		if err := w.tasks.Transition(job.TaskID, store.TaskUpdate{
			Status:      models.TaskRunning,
			SubState:    strPtr(models.SubStateAwaitingScan),
			QRSessionID: strPtr(result.QRSessionID),
		}); err != nil {
			return nil, fmt.Sprintf("failed to park task for QR scan: %v", err)
		}

		scan, ok := w.scans.Wait(result.QRSessionID, w.opts.QRScanWait)
		cleared := ""
		_ = w.tasks.Transition(job.TaskID, store.TaskUpdate{
			Status:   models.TaskRunning,
			SubState: &cleared,
		})
		if !ok || scan.State != login.ScanConfirmed {
			detail := scan.Detail
			if detail == "" {
				detail = "QR scan was not completed in time"
			}
			return nil, detail
		}

		// Confirmed scan saved a cookie bundle; the rerun takes the
		// cookie path.
		result = plat.Login(ctx, creds)
	}

	switch result.Outcome {
	case login.Success:
		return result.Session, ""
	default:
		_ = w.accounts.MarkTested(job.UserID, job.Platform, false)
		detail := result.Detail
		if detail == "" {
			detail = "login failed"
		}
		return nil, detail
	}
}

func (w *Worker) resolveCredentials(job queue.Job) (login.Credentials, error) {
	account, err := w.accounts.Get(job.UserID, job.Platform)
	if errors.Is(err, store.ErrAccountNotFound) {
		return login.Credentials{}, fmt.Errorf("no %s account configured", job.Platform)
	}
	if err != nil {
		return login.Credentials{}, fmt.Errorf("failed to load account: %w", err)
	}

	password, err := w.cipher.Decrypt(account.PasswordEncrypted)
	if err != nil {
		return login.Credentials{}, fmt.Errorf("stored password cannot be decrypted")
	}
	return login.Credentials{
		UserID:   job.UserID,
		Platform: job.Platform,
		Username: account.Username,
		Password: password,
	}, nil
}

func (w *Worker) finishSuccess(ctx context.Context, log *zap.Logger, job queue.Job, task *models.PublishTask, url string) {
	err := w.tasks.Transition(job.TaskID, store.TaskUpdate{
		Status:    models.TaskSuccess,
		Progress:  intPtr(100),
		ResultURL: &url,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		// Finished elsewhere; still release the processing entry
		log.Warn("Task finished elsewhere during publish")
		_ = w.broker.Ack(ctx, w.opts.ID, job.TaskID, queue.Result{
			TaskID: job.TaskID, Success: true, Detail: "finished elsewhere", FinishedAt: time.Now(),
		})
		return
	}
	if err != nil {
		log.Error("Failed to mark task successful", zap.Error(err))
	}

	w.appendHistory(task, models.HistorySuccess, url, "published")
	_ = w.broker.Ack(ctx, w.opts.ID, job.TaskID, queue.Result{
		TaskID: job.TaskID, Success: true, Detail: url, FinishedAt: time.Now(),
	})
	log.Info("Task succeeded", zap.String("url", url))
}

func (w *Worker) finishFailed(ctx context.Context, job queue.Job, task *models.PublishTask, detail string) {
	err := w.tasks.Transition(job.TaskID, store.TaskUpdate{
		Status:       models.TaskFailed,
		ErrorMessage: &detail,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		// Already terminal; release the processing entry and stop
		_ = w.broker.Ack(ctx, w.opts.ID, job.TaskID, queue.Result{
			TaskID: job.TaskID, Success: false, Detail: "finished elsewhere", FinishedAt: time.Now(),
		})
		return
	}
	if err != nil {
		w.logger.Error("Failed to mark task failed",
			zap.String("task_id", job.TaskID), zap.Error(err))
	}

	if task != nil {
		w.appendHistory(task, models.HistoryFailed, "", detail)
	}
	_ = w.broker.Ack(ctx, w.opts.ID, job.TaskID, queue.Result{
		TaskID: job.TaskID, Success: false, Detail: detail, FinishedAt: time.Now(),
	})
	w.logger.Warn("Task failed",
		zap.String("task_id", job.TaskID), zap.String("detail", detail))
}

func (w *Worker) appendHistory(task *models.PublishTask, status, url, message string) {
	record := &models.PublishHistory{
		UserID:         task.UserID,
		ArticleID:      task.ArticleID,
		Platform:       task.Platform,
		Status:         status,
		URL:            url,
		Message:        message,
		ArticleTitle:   task.ArticleTitle,
		ArticleContent: task.ArticleContent,
	}
	if err := w.history.Append(record); err != nil {
		w.logger.Error("Failed to append publish history",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

func publishErrorMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "publish timed out"
	default:
		return err.Error()
	}
}

func splitTopics(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	topics := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			topics = append(topics, p)
		}
	}
	return topics
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
