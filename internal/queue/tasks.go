package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task types
const (
	TypeEffectDispatch  = "effect:dispatch"
	TypeOutboundDeliver = "outbound:deliver"
	TypeSweepEffects    = "maintenance:sweep_effects"
	TypePurgeEvents     = "maintenance:purge_events"
)

// Queue names, weighted in ServerConfig
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// EffectPayload identifies the effect a dispatch task executes
type EffectPayload struct {
	EffectID uuid.UUID `json:"effect_id"`
}

// DeliveryPayload identifies the outbound delivery a task sends
type DeliveryPayload struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
}

// NewEffectTask creates an effect dispatch task; the effect id is also the task id
// so an effect is never queued twice at the same time.
func NewEffectTask(effectID uuid.UUID, maxRetry int) (*asynq.Task, error) {
	payload, err := json.Marshal(EffectPayload{EffectID: effectID})
	if err != nil {
		return nil, fmt.Errorf("marshal effect payload: %w", err)
	}
	return asynq.NewTask(TypeEffectDispatch, payload,
		asynq.TaskID(effectID.String()),
		asynq.MaxRetry(maxRetry),
		asynq.Queue(QueueCritical),
	), nil
}

// NewDeliveryTask creates an outbound delivery task
func NewDeliveryTask(deliveryID uuid.UUID, maxRetry int) (*asynq.Task, error) {
	payload, err := json.Marshal(DeliveryPayload{DeliveryID: deliveryID})
	if err != nil {
		return nil, fmt.Errorf("marshal delivery payload: %w", err)
	}
	return asynq.NewTask(TypeOutboundDeliver, payload,
		asynq.TaskID(deliveryID.String()),
		asynq.MaxRetry(maxRetry),
		asynq.Queue(QueueDefault),
	), nil
}

// ParseEffectPayload decodes a dispatch task payload
func ParseEffectPayload(t *asynq.Task) (EffectPayload, error) {
	var p EffectPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal effect payload: %w: %w", err, asynq.SkipRetry)
	}
	return p, nil
}

// ParseDeliveryPayload decodes a delivery task payload
func ParseDeliveryPayload(t *asynq.Task) (DeliveryPayload, error) {
	var p DeliveryPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal delivery payload: %w: %w", err, asynq.SkipRetry)
	}
	return p, nil
}
