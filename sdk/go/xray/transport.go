package xray

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/xray/internal/model"
)

// Delivery is the outcome of handing a batch of events to a Transport.
type Delivery struct {
	Sent   int
	Failed int
	Err    error
}

// OK reports whether every event in the batch was delivered.
func (d Delivery) OK() bool { return d.Failed == 0 && d.Err == nil }

// Transport delivers an ordered batch of events for one run.
// Implementations preserve order within a batch and report failures through
// the returned Delivery rather than retrying.
type Transport interface {
	Send(ctx context.Context, events []Event) Delivery
}

// HTTPTransport posts event batches to POST /runs/{run_id}/events.
// A failed batch is logged and dropped.
type HTTPTransport struct {
	client *Client
	runID  uuid.UUID
	logger *slog.Logger
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, events []Event) Delivery {
	if len(events) == 0 {
		return Delivery{}
	}

	body, err := model.EncodeEvents(events)
	if err != nil {
		return t.fail(events, fmt.Errorf("xray: encode events: %w", err))
	}

	if err := t.client.postRaw(ctx, "/runs/"+t.runID.String()+"/events", body, nil); err != nil {
		return t.fail(events, err)
	}
	return Delivery{Sent: len(events)}
}

func (t *HTTPTransport) fail(events []Event, err error) Delivery {
	t.logger.Error("xray: event delivery failed",
		"run_id", t.runID,
		"events", len(events),
		"error", err)
	return Delivery{Failed: len(events), Err: err}
}
