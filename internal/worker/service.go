// Package worker executes on-demand compute requests delivered over Pub/Sub.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/runs"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/pulse-engine/pkg/errors"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

const consumerName = "compute"

// ComputeRequest is the message body on the compute topic.
type ComputeRequest struct {
	RequestID     string              `json:"request_id"`
	AggregateType enums.AggregateType `json:"aggregate_type"`
	Key           string              `json:"key"`
	AsOf          *time.Time          `json:"as_of,omitempty"`
	Window        *funnels.Window     `json:"window,omitempty"`
}

func (r ComputeRequest) runRequest() runs.Request {
	req := runs.Request{
		AggregateType: r.AggregateType,
		Key:           strings.TrimSpace(r.Key),
		Window:        r.Window,
		Trigger:       runs.TriggerWorker,
	}
	if r.AsOf != nil {
		req.AsOf = *r.AsOf
	}
	return req
}

type runExecutor interface {
	Execute(ctx context.Context, req runs.Request) (runs.Result, error)
}

type idempotencyChecker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, requestID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, requestID uuid.UUID) error
}

// Service consumes compute requests while honoring Redis idempotency.
type Service struct {
	subscription *gcppubsub.Subscriber
	runner       runExecutor
	manager      idempotencyChecker
	logg         *logger.Logger
}

// NewService creates the compute worker.
func NewService(subscription *gcppubsub.Subscriber, runner runExecutor, manager idempotencyChecker, logg *logger.Logger) (*Service, error) {
	if subscription == nil {
		return nil, errors.New("compute subscription is required")
	}
	if runner == nil {
		return nil, errors.New("run executor is required")
	}
	if manager == nil {
		return nil, errors.New("idempotency manager is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{subscription: subscription, runner: runner, manager: manager, logg: logg}, nil
}

// Run receives messages until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	return s.subscription.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		if s.process(innerCtx, msg.ID, msg.Data) {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// process handles one message and reports whether it should be redelivered.
func (s *Service) process(ctx context.Context, messageID string, data []byte) bool {
	logCtx := s.logg.WithField(ctx, "message_id", messageID)

	req, requestID, err := decodeRequest(data)
	if err != nil {
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "invalid compute request dropped")
		return false
	}
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"request_id":     requestID.String(),
		"aggregate_type": req.AggregateType,
		"aggregate_key":  req.Key,
	})

	already, err := s.manager.CheckAndMarkProcessed(logCtx, consumerName, requestID)
	if err != nil {
		s.logg.Error(logCtx, "idempotency check failed", err)
		return true
	}
	if already {
		s.logg.Info(logCtx, "compute request already processed")
		return false
	}

	res, err := s.runner.Execute(logCtx, req)
	if err != nil {
		if !retryable(err) {
			s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "compute request rejected")
			return false
		}
		s.logg.Error(logCtx, "compute request failed", err)
		if derr := s.manager.Delete(logCtx, consumerName, requestID); derr != nil {
			s.logg.Error(logCtx, "idempotency release failed", derr)
		}
		return true
	}

	s.logg.Info(s.logg.WithField(logCtx, "run_id", res.RunID.String()), "compute request handled")
	return false
}

func decodeRequest(data []byte) (runs.Request, uuid.UUID, error) {
	var msg ComputeRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return runs.Request{}, uuid.Nil, fmt.Errorf("decode compute request: %w", err)
	}
	requestID, err := uuid.Parse(strings.TrimSpace(msg.RequestID))
	if err != nil {
		return runs.Request{}, uuid.Nil, fmt.Errorf("request_id: %w", err)
	}
	req := msg.runRequest()
	if err := req.Validate(); err != nil {
		return runs.Request{}, uuid.Nil, err
	}
	return req, requestID, nil
}

// retryable reports whether redelivery could succeed. Definition errors and
// cancellations are final.
func retryable(err error) bool {
	return pkgerrors.Retryable(err)
}

type publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// Enqueue publishes a compute request and returns its request id. A request
// without an id gets a fresh one.
func Enqueue(ctx context.Context, pub publisher, req ComputeRequest) (string, error) {
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode compute request: %w", err)
	}
	if _, _, err := decodeRequest(data); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid compute request")
	}
	attrs := map[string]string{"aggregate_type": string(req.AggregateType)}
	if _, err := pub.Publish(ctx, data, attrs); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish compute request")
	}
	return req.RequestID, nil
}
