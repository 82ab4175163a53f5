// Package worker starts and stops the service's background work.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/sol-portal/change-request-service/internal/scmsync"
	"github.com/sol-portal/change-request-service/internal/service"
)

// StartNotificationWorker registers notification handlers.
func StartNotificationWorker(notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
}

// SyncWorker is the subset of the source-control poller the process manages.
type SyncWorker interface {
	Start(ctx context.Context) error
	Stop()
}

var _ SyncWorker = (*scmsync.Poller)(nil)

// StartSyncWorker starts the poller when one is configured and returns its stop
// function. The returned function is always safe to call.
func StartSyncWorker(ctx context.Context, poller SyncWorker, logger *zap.Logger) (func(), error) {
	if poller == nil {
		logger.Info("source-control sync disabled")
		return func() {}, nil
	}
	if err := poller.Start(ctx); err != nil {
		return func() {}, err
	}
	return poller.Stop, nil
}
