package services

import (
	"context"
	"time"

	"github.com/klinefleet/klinefleet/internal/config"
	"github.com/klinefleet/klinefleet/internal/store"
	"github.com/sirupsen/logrus"
)

// CleanupService deletes klines past the retention window on an interval.
type CleanupService struct {
	klines *store.KlineStore
	config config.CleanupConfig
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCleanupService creates the cleanup service.
func NewCleanupService(klines *store.KlineStore, cfg config.CleanupConfig, logger *logrus.Logger) *CleanupService {
	if cfg.KlineRetentionHours <= 0 {
		cfg.KlineRetentionHours = 72
	}
	if cfg.CleanupIntervalMinutes <= 0 {
		cfg.CleanupIntervalMinutes = 60
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupService{
		klines: klines,
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins periodic cleanup, running one pass immediately.
func (c *CleanupService) Start() {
	c.logger.WithField("retention_hours", c.config.KlineRetentionHours).Info("Starting kline cleanup service")

	go func() {
		if err := c.runCleanup(); err != nil {
			c.logger.WithError(err).Warn("Initial cleanup failed")
		}

		ticker := time.NewTicker(time.Duration(c.config.CleanupIntervalMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if err := c.runCleanup(); err != nil {
					c.logger.WithError(err).Warn("Cleanup failed")
				}
			}
		}
	}()
}

// Stop stops the cleanup service.
func (c *CleanupService) Stop() {
	c.cancel()
	c.logger.Info("Cleanup service stopped")
}

func (c *CleanupService) runCleanup() error {
	cutoff := time.Now().UTC().Add(-time.Duration(c.config.KlineRetentionHours) * time.Hour)
	deleted, err := c.klines.DeleteOlderThan(c.ctx, cutoff)
	if err != nil {
		return err
	}

	if deleted > 0 {
		c.logger.WithFields(logrus.Fields{
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("Deleted expired klines")
	}
	return nil
}
