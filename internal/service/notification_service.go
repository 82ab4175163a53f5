package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sol-portal/change-request-service/internal/config"
	"github.com/sol-portal/change-request-service/internal/events"
)

// NotificationService handles emitting notifications for workflow events.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventChangeRequestCreated, n.handleCreated)
	n.dispatcher.Subscribe(events.EventStateChanged, n.handleStateChanged)
	n.dispatcher.Subscribe(events.EventDeveloperAssigned, n.handleAssigned)
	n.dispatcher.Subscribe(events.EventCommentAdded, n.handleCommentAdded)
	n.dispatcher.Subscribe(events.EventPullRequestLinked, n.handlePullRequestLinked)
}

func (n *NotificationService) handleCreated(ctx context.Context, event events.Event) error {
	n.logger.Info("ChangeRequestCreated", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleStateChanged(ctx context.Context, event events.Event) error {
	n.logger.Info("ChangeRequestStateChanged", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	if p, ok := event.Payload.(events.StateChangedPayload); ok && p.Response {
		// the requester hears about review decisions by email
		n.sendEmailNotificationStub(ctx, event)
	}
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handleAssigned(ctx context.Context, event events.Event) error {
	n.logger.Info("ChangeRequestAssigned", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	n.sendEmailNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handleCommentAdded(ctx context.Context, event events.Event) error {
	n.logger.Info("ChangeRequestCommentAdded", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	n.sendEmailNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handlePullRequestLinked(ctx context.Context, event events.Event) error {
	n.logger.Info("ChangeRequestPullRequestLinked", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) sendEmailNotificationStub(ctx context.Context, event events.Event) {
	if strings.TrimSpace(n.cfg.EmailFrom) == "" {
		return
	}
	n.logger.Debug("sendEmailNotificationStub",
		zap.String("from", n.cfg.EmailFrom),
		zap.String("request_id", event.RequestID),
		zap.String("event_type", string(event.Type)))
}

func (n *NotificationService) sendWebhookNotificationStub(ctx context.Context, event events.Event) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}
	n.logger.Debug("sendWebhookNotificationStub",
		zap.String("url", n.cfg.WebhookURL),
		zap.String("request_id", event.RequestID),
		zap.String("event_type", string(event.Type)))
}
