package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solsync-africa/dispatch/internal/config"
	"github.com/solsync-africa/dispatch/internal/events"
)

// OncePublisher delivers a message at most once per dedup key.
type OncePublisher interface {
	PublishOnce(ctx context.Context, channel, dedupKey string, payload []byte, ttl time.Duration) (bool, error)
}

// NotificationService handles emitting notifications for domain events.
type NotificationService struct {
	dispatcher events.Dispatcher
	publisher  OncePublisher
	logger     *zap.Logger
	cfg        config.NotificationConfig
}

// NewNotificationService creates the service. publisher may be nil.
func NewNotificationService(dispatcher events.Dispatcher, publisher OncePublisher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
		cfg:        cfg,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventRequestSubmitted, n.handleRequestSubmitted)
	n.dispatcher.Subscribe(events.EventRequestAssigned, n.handleRequestAssigned)
	n.dispatcher.Subscribe(events.EventRequestStarted, n.handleStatusChanged)
	n.dispatcher.Subscribe(events.EventRequestCompleted, n.handleStatusChanged)
	n.dispatcher.Subscribe(events.EventRequestCancelled, n.handleRequestCancelled)
}

func (n *NotificationService) handleRequestSubmitted(ctx context.Context, event events.Event) error {
	n.logger.Info("RequestSubmitted", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	return n.publish(ctx, event)
}

func (n *NotificationService) handleRequestAssigned(ctx context.Context, event events.Event) error {
	n.logger.Info("RequestAssigned", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	n.sendSMSNotificationStub(ctx, event)
	n.sendWebhookNotificationStub(ctx, event)
	return n.publish(ctx, event)
}

func (n *NotificationService) handleStatusChanged(ctx context.Context, event events.Event) error {
	n.logger.Info("RequestStatusChanged", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	n.sendWebhookNotificationStub(ctx, event)
	return n.publish(ctx, event)
}

func (n *NotificationService) handleRequestCancelled(ctx context.Context, event events.Event) error {
	n.logger.Info("RequestCancelled", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	if event.Payload.AssignedTechnicianID != nil {
		n.sendSMSNotificationStub(ctx, event)
	}
	n.sendWebhookNotificationStub(ctx, event)
	return n.publish(ctx, event)
}

// publish fans the event out on the redis channel, once per request and status.
func (n *NotificationService) publish(ctx context.Context, event events.Event) error {
	if n.publisher == nil || !n.cfg.PublishToRedis {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	sent, err := n.publisher.PublishOnce(ctx, n.cfg.Channel, event.DedupKey(), body, n.cfg.DedupTTL())
	if err != nil {
		return err
	}
	if !sent {
		n.logger.Debug("duplicate transition suppressed", zap.String("dedup_key", event.DedupKey()))
	}
	return nil
}

func (n *NotificationService) sendSMSNotificationStub(ctx context.Context, event events.Event) {
	if strings.TrimSpace(n.cfg.SMSSenderID) == "" {
		return
	}
	n.logger.Debug("sendSMSNotificationStub",
		zap.String("sender", n.cfg.SMSSenderID),
		zap.String("request_id", event.RequestID),
		zap.String("requester_id", event.Payload.RequesterID),
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
