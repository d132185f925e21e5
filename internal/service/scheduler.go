package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/topnlabs/pressline/internal/config"
)

// Scheduler runs the maintenance pass on a cron schedule. One pass also
// fires shortly after startup so a restarted deployment reconciles tasks
// orphaned by the outage without waiting a full interval.
type Scheduler struct {
	config  *config.MaintenanceConfig
	logger  *zap.Logger
	manager *TaskManager
	cron    *cron.Cron
}

func NewScheduler(cfg *config.MaintenanceConfig, manager *TaskManager, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		config:  cfg,
		logger:  logger,
		manager: manager,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Maintenance scheduler is disabled")
		return nil
	}

	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.runOnce(ctx)
	})
	if err != nil {
		s.logger.Error("Invalid maintenance schedule",
			zap.String("schedule", s.config.Schedule), zap.Error(err))
		return err
	}

	s.logger.Info("Starting maintenance scheduler", zap.String("schedule", s.config.Schedule))
	s.cron.Start()

	go func() {
		select {
		case <-time.After(30 * time.Second):
			s.runOnce(ctx)
		case <-ctx.Done():
		}
	}()

	return nil
}

func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("Maintenance scheduler shutdown completed")
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	s.logger.Info("Running maintenance")
	s.manager.RunMaintenance(ctx)
	s.logger.Info("Maintenance completed", zap.Duration("duration", time.Since(start)))
}
