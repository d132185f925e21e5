// Package server exposes the task pipeline over HTTP: task lifecycle,
// QR login sessions, publish history, account management and an admin
// surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/topnlabs/pressline/internal/config"
	"github.com/topnlabs/pressline/internal/models"
	"github.com/topnlabs/pressline/internal/platform"
	"github.com/topnlabs/pressline/internal/platform/login"
	"github.com/topnlabs/pressline/internal/service"
	"github.com/topnlabs/pressline/internal/store"
	"github.com/topnlabs/pressline/pkg/crypto"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	Manager    *service.TaskManager
	Monitoring *service.MonitoringService
	Auth       *service.AuthService
	Scheduler  *service.Scheduler
	Accounts   *store.AccountStore
	History    *store.HistoryStore
	Platforms  *platform.Registry
	QRSessions *login.Registry
	Cipher     *crypto.Cipher
}

// Deps carries the shared services the worker side also uses, so server
// and workers in one process share one broker, one registry, one cipher.
type Deps struct {
	DB         *gorm.DB
	Manager    *service.TaskManager
	Monitoring *service.MonitoringService
	Scheduler  *service.Scheduler
	Accounts   *store.AccountStore
	History    *store.HistoryStore
	Platforms  *platform.Registry
	QRSessions *login.Registry
	Cipher     *crypto.Cipher
}

func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)

	srv := &Server{
		Config:     cfg,
		DB:         deps.DB,
		Router:     gin.New(),
		Logger:     logger,
		Manager:    deps.Manager,
		Monitoring: deps.Monitoring,
		Auth:       service.NewAuthService(&cfg.Auth, logger),
		Scheduler:  deps.Scheduler,
		Accounts:   deps.Accounts,
		History:    deps.History,
		Platforms:  deps.Platforms,
		QRSessions: deps.QRSessions,
		Cipher:     deps.Cipher,
	}

	srv.setupMiddleware()
	srv.setupRoutes()
	return srv
}

func (s *Server) setupMiddleware() {
	s.Router.Use(gin.Recovery())

	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Admin-Token")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"platforms": s.Platforms.Names(),
			"time":      time.Now().Unix(),
		})
	})

	api := s.Router.Group("/api/v1")
	api.Use(s.Auth.UserMiddleware())
	{
		tasks := api.Group("/tasks")
		{
			tasks.POST("", s.handleCreateTask)
			tasks.POST("/batch", s.handleCreateBatch)
			tasks.GET("", s.handleListTasks)
			tasks.DELETE("", s.handleClearTasks)
			tasks.GET("/:task_id", s.handleGetTask)
			tasks.GET("/:task_id/wait", s.handleWaitTask)
			tasks.POST("/:task_id/cancel", s.handleCancelTask)
			tasks.POST("/:task_id/retry", s.handleRetryTask)
		}

		api.GET("/history", s.handleListHistory)
		api.GET("/usage", s.handleUserUsage)

		accounts := api.Group("/accounts")
		{
			accounts.POST("", s.handleSaveAccount)
			accounts.GET("/:platform", s.handleGetAccount)
		}

		qr := api.Group("/auth/qr")
		{
			qr.POST("/start", s.handleStartQRLogin)
			qr.GET("/:session_id", s.handleQRStatus)
			qr.GET("/:session_id/wait", s.handleQRWait)
		}
	}

	admin := s.Router.Group("/api/v1/admin")
	admin.Use(s.Auth.AdminMiddleware())
	{
		admin.GET("/summary", s.handleAdminSummary)
		admin.GET("/queues", s.handleQueueStats)
		admin.POST("/maintenance/run", s.handleRunMaintenance)
	}
}

type createTaskBody struct {
	ArticleID *uint    `json:"article_id"`
	Title     string   `json:"title" binding:"required"`
	Content   string   `json:"content" binding:"required"`
	Platform  string   `json:"platform" binding:"required"`
	Topics    []string `json:"topics"`
	Draft     bool     `json:"draft"`
}

func (b createTaskBody) toRequest(userID uint) service.CreateRequest {
	return service.CreateRequest{
		UserID:    userID,
		ArticleID: b.ArticleID,
		Title:     b.Title,
		Content:   b.Content,
		Platform:  b.Platform,
		Topics:    b.Topics,
		Draft:     b.Draft,
	}
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var body createTaskBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.Platforms.Get(body.Platform); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.Manager.CreateAndEnqueue(c.Request.Context(), body.toRequest(service.UserID(c)))
	if err != nil {
		s.Logger.Error("Failed to create task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task.ToMap()})
}

func (s *Server) handleCreateBatch(c *gin.Context) {
	var bodies []createTaskBody
	if err := c.ShouldBindJSON(&bodies); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(bodies) == 0 || len(bodies) > 50 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch size must be between 1 and 50"})
		return
	}

	userID := service.UserID(c)
	reqs := make([]service.CreateRequest, len(bodies))
	for i, body := range bodies {
		reqs[i] = body.toRequest(userID)
	}

	tasks, errs := s.Manager.CreateBatch(c.Request.Context(), reqs)
	items := make([]gin.H, len(tasks))
	accepted := 0
	for i := range tasks {
		if errs[i] != nil {
			items[i] = gin.H{"error": errs[i].Error()}
			continue
		}
		items[i] = gin.H{"task": tasks[i].ToMap()}
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{"items": items, "accepted": accepted})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.Manager.GetStatus(c.Param("task_id"), service.UserID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task.ToMap()})
}

func (s *Server) handleWaitTask(c *gin.Context) {
	timeout := parseTimeout(c.Query("timeout"), 30*time.Second, 120*time.Second)
	task, err := s.Manager.WaitForTerminal(c.Request.Context(), c.Param("task_id"), service.UserID(c), timeout)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task.ToMap(), "terminal": task.Status.Terminal()})
}

func (s *Server) handleListTasks(c *gin.Context) {
	status := models.TaskStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
		return
	}
	limit, offset := parsePage(c)

	tasks, total, counts, err := s.Manager.ListUserTasks(service.UserID(c), status, limit, offset)
	if err != nil {
		s.Logger.Error("Failed to list tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}

	items := make([]map[string]any, len(tasks))
	for i := range tasks {
		items[i] = tasks[i].ToMap()
	}
	c.JSON(http.StatusOK, gin.H{"tasks": items, "total": total, "counts": counts})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	err := s.Manager.Cancel(c.Request.Context(), c.Param("task_id"), service.UserID(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "task cancelled"})
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleRetryTask(c *gin.Context) {
	task, err := s.Manager.Retry(c.Request.Context(), c.Param("task_id"), service.UserID(c))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"task": task.ToMap()})
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleClearTasks(c *gin.Context) {
	status := models.TaskStatus(c.Query("status"))
	cleared, err := s.Manager.ClearTasks(service.UserID(c), status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) handleListHistory(c *gin.Context) {
	limit, offset := parsePage(c)
	records, total, err := s.History.ListByUser(service.UserID(c), limit, offset)
	if err != nil {
		s.Logger.Error("Failed to list history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}

	items := make([]map[string]any, len(records))
	for i := range records {
		items[i] = records[i].ToMap()
	}
	c.JSON(http.StatusOK, gin.H{"history": items, "total": total})
}

func (s *Server) handleUserUsage(c *gin.Context) {
	usage, err := s.Monitoring.UserUsage(c.Request.Context(), service.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read usage"})
		return
	}
	c.JSON(http.StatusOK, usage)
}

type saveAccountBody struct {
	Platform string `json:"platform" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
	Notes    string `json:"notes"`
}

func (s *Server) handleSaveAccount(c *gin.Context) {
	var body saveAccountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.Platforms.Get(body.Platform); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	encrypted, err := s.Cipher.Encrypt(body.Password)
	if err != nil {
		s.Logger.Error("Failed to encrypt password", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credentials"})
		return
	}

	account := &models.PlatformAccount{
		UserID:            service.UserID(c),
		Platform:          body.Platform,
		Username:          body.Username,
		PasswordEncrypted: encrypted,
		Notes:             body.Notes,
		Status:            models.AccountUntested,
	}
	if err := s.Accounts.Save(account); err != nil {
		s.Logger.Error("Failed to save account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account.ToMap()})
}

func (s *Server) handleGetAccount(c *gin.Context) {
	account, err := s.Accounts.Get(service.UserID(c), c.Param("platform"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account.ToMap()})
}

type startQRBody struct {
	Platform string `json:"platform" binding:"required"`
	Username string `json:"username"`
}

// handleStartQRLogin opens a QR login session for account setup. The
// login chain does the work: saved cookies short-circuit it, otherwise
// the QR strategy parks a NeedsHuman session in the registry.
func (s *Server) handleStartQRLogin(c *gin.Context) {
	var body startQRBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plat, err := s.Platforms.Get(body.Platform)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := service.UserID(c)
	username := body.Username
	if username == "" {
		account, err := s.Accounts.Get(userID, body.Platform)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username required when no account is saved"})
			return
		}
		username = account.Username
	}

	// Password deliberately absent: the chain skips the password form
	// and falls through to the QR strategy.
	result := plat.Login(c.Request.Context(), login.Credentials{
		UserID:   userID,
		Platform: body.Platform,
		Username: username,
	})

	switch result.Outcome {
	case login.Success:
		result.Session.Close()
		c.JSON(http.StatusOK, gin.H{"status": "already_authenticated"})
	case login.NeedsHuman:
		session, ok := s.QRSessions.Get(result.QRSessionID)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "QR session vanished"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "scan_required",
			"session_id": session.ID,
			"qr_base64":  session.QRBase64,
			"expires_at": session.ExpiresAt,
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": result.Detail})
	}
}

func (s *Server) handleQRStatus(c *gin.Context) {
	session, ok := s.QRSessions.Get(c.Param("session_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown QR session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleQRWait(c *gin.Context) {
	timeout := parseTimeout(c.Query("timeout"), 30*time.Second, 120*time.Second)
	session, ok := s.QRSessions.Wait(c.Param("session_id"), timeout)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown QR session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleAdminSummary(c *gin.Context) {
	summary, err := s.Monitoring.Summary(c.Request.Context())
	if err != nil {
		s.Logger.Error("Failed to build summary", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.Manager.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

func (s *Server) handleRunMaintenance(c *gin.Context) {
	s.Manager.RunMaintenance(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": "maintenance completed"})
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)
	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}
	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Scheduler.Stop()

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.Server.Shutdown(shutdownCtx)
}

func parsePage(c *gin.Context) (limit, offset int) {
	limit = intQuery(c, "limit", 20)
	offset = intQuery(c, "offset", 0)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func intQuery(c *gin.Context, key string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(c.Query(key), "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseTimeout(raw string, fallback, max time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Bare seconds are accepted too
		var secs int
		if _, serr := fmt.Sscanf(raw, "%d", &secs); serr != nil {
			return fallback
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return fallback
	}
	if d > max {
		return max
	}
	return d
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrTaskNotFound)
}
