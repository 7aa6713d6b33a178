package empilink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/platform/db"
	"github.com/ehr/empi/internal/platform/telemetry"
)

// TargetEvent is the payload of a message on the target topic.
type TargetEvent struct {
	Operation string                 `json:"operation" validate:"required"`
	TenantID  string                 `json:"tenantId" validate:"omitempty,max=63"`
	Resource  map[string]interface{} `json:"resource" validate:"required"`
}

// resolver is the part of Service the ingestion handler needs.
type resolver interface {
	Resolve(ctx context.Context, op empi.OperationType, resource map[string]interface{}) (*ResolveResult, error)
}

// EventHandler resolves targets announced on the message bus.
type EventHandler struct {
	svc           resolver
	validate      *validator.Validate
	defaultTenant string
	tel           *telemetry.Provider
	logger        zerolog.Logger
}

func NewEventHandler(svc resolver, validate *validator.Validate, defaultTenant string, tel *telemetry.Provider, logger zerolog.Logger) *EventHandler {
	return &EventHandler{
		svc:           svc,
		validate:      validate,
		defaultTenant: defaultTenant,
		tel:           tel,
		logger:        logger.With().Str("component", "empilink-events").Logger(),
	}
}

// Handle decodes one message and runs a decision cycle for its resource. A
// malformed message is reported as a configuration error so the consumer
// commits it instead of redelivering it.
func (h *EventHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var ev TargetEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		h.tel.IncConsumed("malformed")
		return fmt.Errorf("%w: decode target event: %w", empi.ErrConfiguration, err)
	}
	if err := h.validate.Struct(ev); err != nil {
		h.tel.IncConsumed("malformed")
		return fmt.Errorf("%w: invalid target event: %w", empi.ErrConfiguration, err)
	}
	op, err := empi.ParseOperationType(ev.Operation)
	if err != nil {
		h.tel.IncConsumed("malformed")
		return err
	}

	tenant := ev.TenantID
	if tenant == "" {
		tenant = h.defaultTenant
	}
	if !db.ValidTenantID(tenant) {
		h.tel.IncConsumed("malformed")
		return fmt.Errorf("%w: %w: %q", empi.ErrConfiguration, db.ErrInvalidTenant, tenant)
	}
	ctx = db.WithTenant(ctx, tenant)

	res, err := h.svc.Resolve(ctx, op, ev.Resource)
	h.tel.IncConsumed(outcomeLabel(err))
	if err != nil {
		return err
	}
	h.logger.Debug().Str("tenant_id", tenant).Str("target", res.TargetRef).
		Int("links", len(res.Links)).Msg("target event processed")
	return nil
}
