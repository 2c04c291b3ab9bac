// Package envelope defines the wire envelopes exchanged between butlers.
//
// Three schemas exist: route.v1 (the reserved route.execute tool), notify.v1
// (delivery requests addressed to the messenger, carried inside a route
// envelope), and ingest.v1 (externally observed events entering the
// switchboard). Envelopes travel as JSON objects inside tool args; Decode
// and ToMap bridge between the map form and the typed form.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/butler-platform/butlerd/pkg/fault"
)

// Schema version constants.
const (
	RouteSchemaVersion  = "route.v1"
	NotifySchemaVersion = "notify.v1"
	IngestSchemaVersion = "ingest.v1"
)

// Delivery intents accepted by the messenger.
const (
	IntentSend  = "send"
	IntentReply = "reply"
)

// NotifyRequestKey is the input.context key carrying a notify envelope.
const NotifyRequestKey = "notify_request"

// NewRequestID returns a time-ordered (v7) UUID string for request ids.
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RequestContext identifies one routed request across butler boundaries.
type RequestContext struct {
	RequestID              string    `json:"request_id"`
	ReceivedAt             time.Time `json:"received_at"`
	SourceChannel          string    `json:"source_channel,omitempty"`
	SourceEndpointIdentity string    `json:"source_endpoint_identity,omitempty"`
	SourceSenderIdentity   string    `json:"source_sender_identity,omitempty"`
}

// RouteInput is the work item carried by a route envelope.
type RouteInput struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
}

// Route is the route.v1 envelope for the reserved route.execute tool.
type Route struct {
	SchemaVersion  string            `json:"schema_version"`
	RequestContext RequestContext    `json:"request_context"`
	Input          RouteInput        `json:"input"`
	TraceContext   map[string]string `json:"trace_context,omitempty"`
}

// Validate checks the envelope against the route.v1 schema.
func (r *Route) Validate() error {
	if r.SchemaVersion != RouteSchemaVersion {
		return fault.NewValidationError("schema_version", fmt.Sprintf("expected %q, got %q", RouteSchemaVersion, r.SchemaVersion))
	}
	if r.RequestContext.RequestID == "" {
		return fault.NewValidationError("request_context.request_id", "required")
	}
	if _, err := uuid.Parse(r.RequestContext.RequestID); err != nil {
		return fault.NewValidationError("request_context.request_id", "must be a UUID")
	}
	if r.RequestContext.ReceivedAt.IsZero() {
		return fault.NewValidationError("request_context.received_at", "required")
	}
	if r.Input.Prompt == "" {
		return fault.NewValidationError("input.prompt", "required")
	}
	return nil
}

// NotifyRequest extracts an embedded notify.v1 envelope from
// input.context.notify_request. Returns false when none is present;
// a present but malformed notify request is an error.
func (r *Route) NotifyRequest() (*Notify, bool, error) {
	raw, ok := r.Input.Context[NotifyRequestKey]
	if !ok || raw == nil {
		return nil, false, nil
	}
	var n Notify
	if err := Decode(raw, &n); err != nil {
		return nil, true, err
	}
	if err := n.Validate(); err != nil {
		return nil, true, err
	}
	return &n, true, nil
}

// NotifyDelivery describes what the messenger should deliver and where.
type NotifyDelivery struct {
	Intent    string `json:"intent"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
}

// Notify is the notify.v1 envelope a specialist sends to the messenger.
type Notify struct {
	SchemaVersion string         `json:"schema_version"`
	OriginButler  string         `json:"origin_butler"`
	Delivery      NotifyDelivery `json:"delivery"`
}

// Validate checks the envelope against the notify.v1 schema.
func (n *Notify) Validate() error {
	if n.SchemaVersion != NotifySchemaVersion {
		return fault.NewValidationError("schema_version", fmt.Sprintf("expected %q, got %q", NotifySchemaVersion, n.SchemaVersion))
	}
	if n.OriginButler == "" {
		return fault.NewValidationError("origin_butler", "required")
	}
	if n.Delivery.Intent != IntentSend && n.Delivery.Intent != IntentReply {
		return fault.NewValidationError("delivery.intent", "must be send or reply")
	}
	if n.Delivery.Channel == "" {
		return fault.NewValidationError("delivery.channel", "required")
	}
	if n.Delivery.Message == "" {
		return fault.NewValidationError("delivery.message", "required")
	}
	if n.Delivery.Recipient == "" {
		return fault.NewValidationError("delivery.recipient", "required")
	}
	return nil
}

// IngestSource identifies the external origin of an ingested event.
type IngestSource struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

// IngestEvent carries the provider-side identity of the event.
type IngestEvent struct {
	ExternalEventID  string    `json:"external_event_id"`
	ObservedAt       time.Time `json:"observed_at"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
}

// IngestSender identifies who produced the event.
type IngestSender struct {
	Identity string `json:"identity"`
}

// Attachment is one payload attachment reference.
type Attachment struct {
	MediaType string `json:"media_type"`
	Filename  string `json:"filename,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// IngestPayload carries the raw provider payload plus its normalized text.
type IngestPayload struct {
	Raw            map[string]any `json:"raw,omitempty"`
	NormalizedText string         `json:"normalized_text"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
}

// IngestControl carries dedup and policy hints.
type IngestControl struct {
	IdempotencyKey string `json:"idempotency_key"`
	PolicyTier     string `json:"policy_tier,omitempty"`
}

// Ingest is the ingest.v1 envelope accepted by the switchboard's ingest tool.
type Ingest struct {
	SchemaVersion string        `json:"schema_version"`
	Source        IngestSource  `json:"source"`
	Event         IngestEvent   `json:"event"`
	Sender        IngestSender  `json:"sender"`
	Payload       IngestPayload `json:"payload"`
	Control       IngestControl `json:"control"`
}

// Validate checks the envelope against the ingest.v1 schema.
func (i *Ingest) Validate() error {
	if i.SchemaVersion != IngestSchemaVersion {
		return fault.NewValidationError("schema_version", fmt.Sprintf("expected %q, got %q", IngestSchemaVersion, i.SchemaVersion))
	}
	if i.Source.Channel == "" {
		return fault.NewValidationError("source.channel", "required")
	}
	if i.Event.ExternalEventID == "" {
		return fault.NewValidationError("event.external_event_id", "required")
	}
	if i.Event.ObservedAt.IsZero() {
		return fault.NewValidationError("event.observed_at", "required")
	}
	if i.Sender.Identity == "" {
		return fault.NewValidationError("sender.identity", "required")
	}
	if i.Control.IdempotencyKey == "" {
		return fault.NewValidationError("control.idempotency_key", "required")
	}
	return nil
}

// Decode converts a JSON-shaped value (typically tool args as
// map[string]any) into a typed envelope via a JSON round-trip.
func Decode(src any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fault.NewValidationError("envelope", err.Error())
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fault.NewValidationError("envelope", err.Error())
	}
	return nil
}

// ToMap converts a typed envelope back into the map form used by tool args.
func ToMap(src any) (map[string]any, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return m, nil
}
