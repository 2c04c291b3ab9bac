package switchboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/routing"
	"github.com/butler-platform/butlerd/pkg/spawner"
	"github.com/butler-platform/butlerd/pkg/triage"
)

// ToolCaller invokes a tool on a named butler. *rpc.Client satisfies it.
type ToolCaller interface {
	Call(ctx context.Context, butlerName, toolName string, args map[string]any) (map[string]any, error)
}

// Classifier turns accepted ingest rows into routed work. Deterministic
// triage runs first; only a pass_through decision costs an LLM session.
type Classifier struct {
	db      *postgres.Client
	rules   *RuleStore
	threads *ThreadRoutes
	caller  ToolCaller
	trigger routing.SessionTrigger
	metrics *metrics.Metrics
}

// NewClassifier builds a classifier over the given stores and collaborators.
func NewClassifier(db *postgres.Client, rules *RuleStore, threads *ThreadRoutes,
	caller ToolCaller, trigger routing.SessionTrigger, m *metrics.Metrics) *Classifier {
	return &Classifier{
		db:      db,
		rules:   rules,
		threads: threads,
		caller:  caller,
		trigger: trigger,
		metrics: m,
	}
}

// Classify processes one ingest row the buffer already claimed. The
// classification lands on the row whatever the decision; a nil return lets
// the buffer mark the row processed.
func (c *Classifier) Classify(ctx context.Context, messageID string) error {
	row, err := c.db.FetchRow(ctx,
		`SELECT envelope, normalized_text, received_at FROM ingest_messages WHERE id = $1`,
		messageID)
	if err != nil {
		return fmt.Errorf("load ingest message %s: %w", messageID, err)
	}
	if rowString(row, "normalized_text") == "" {
		// Same verdict the scanner hands these rows.
		return errors.New("empty normalized_text")
	}

	var env envelope.Ingest
	raw, err := postgres.NormalizeJSONB(row["envelope"])
	if err == nil {
		err = envelope.Decode(raw, &env)
	}
	if err != nil {
		return fmt.Errorf("ingest message %s: malformed stored envelope: %w", messageID, err)
	}

	tenv := triage.EnvelopeFromIngest(&env)
	affinity := c.threads.Lookup(ctx, tenv.SourceChannel, tenv.ThreadID)
	rules, err := c.rules.ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("load triage rules: %w", err)
	}

	decision := triage.Evaluate(tenv, rules, affinity)
	if c.metrics != nil {
		c.metrics.TriageDecisions.WithLabelValues(actionLabel(decision)).Inc()
	}

	switch {
	case decision.RouteTarget != "":
		return c.route(ctx, messageID, &env, rowTime(row, "received_at"), decision)
	case decision.Action == triage.ActionPassThrough:
		return c.classifyWithSession(ctx, messageID, &env, decision)
	default:
		// skip / metadata_only / low_priority_queue: the decision itself is
		// the outcome; nothing dispatches.
		slog.Info("Ingest triaged without dispatch",
			"message_id", messageID,
			"action", decision.Action,
			"matched_rule_id", decision.MatchedRuleID)
		return c.recordOutcome(ctx, messageID, decision, "")
	}
}

// route hands the message to the target butler's route.execute and pins the
// thread to that target for later replies.
func (c *Classifier) route(ctx context.Context, messageID string, env *envelope.Ingest,
	received time.Time, decision triage.Decision) error {

	payload, err := envelope.ToMap(routeEnvelope(messageID, env, received, decision))
	if err != nil {
		return fmt.Errorf("encode route envelope for %s: %w", messageID, err)
	}

	result, err := c.caller.Call(ctx, decision.RouteTarget, "route.execute", payload)
	if err != nil {
		return fmt.Errorf("route message %s to %s: %w", messageID, decision.RouteTarget, err)
	}
	if status, _ := result["status"].(string); status != "accepted" {
		return fmt.Errorf("route message %s to %s: target answered status %q",
			messageID, decision.RouteTarget, status)
	}

	if env.Event.ExternalThreadID != "" {
		// Affinity is an optimization; the message is already routed, so a
		// failed write only costs later messages a triage pass.
		if err := c.threads.Record(ctx, env.Source.Channel, env.Event.ExternalThreadID, decision.RouteTarget); err != nil {
			slog.Warn("Failed to record thread route",
				"message_id", messageID, "target", decision.RouteTarget, "error", err)
		}
	}

	inboxID, _ := result["inbox_id"].(string)
	slog.Info("Ingest routed",
		"message_id", messageID,
		"target", decision.RouteTarget,
		"inbox_id", inboxID,
		"matched_rule_type", decision.MatchedRuleType)
	return c.recordOutcome(ctx, messageID, decision, inboxID)
}

// classifyWithSession runs the LLM classification session for messages no
// rule claimed. The session decides what to do with the message through its
// own tools; here only its outcome is accounted.
func (c *Classifier) classifyWithSession(ctx context.Context, messageID string,
	env *envelope.Ingest, decision triage.Decision) error {

	res, err := c.trigger.Trigger(ctx, spawner.TriggerRequest{
		Prompt:        classificationPrompt(env),
		TriggerSource: "ingest",
		RequestID:     messageID,
	})
	if err != nil {
		if errors.Is(err, fault.ErrNotAccepting) {
			// Shutdown raced the worker. The row returns to accepted and the
			// scanner re-delivers it after restart.
			c.revertToAccepted(messageID)
			return nil
		}
		return fmt.Errorf("classification session for %s: %w", messageID, err)
	}

	if err := c.recordOutcome(ctx, messageID, decision, res.SessionID); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("classification session %s: %s", res.SessionID, res.Error)
	}
	slog.Info("Ingest classified by session", "message_id", messageID, "session_id", res.SessionID)
	return nil
}

// recordOutcome writes the decision and the produced work id onto the row.
// Lifecycle state stays with the buffer.
func (c *Classifier) recordOutcome(ctx context.Context, messageID string,
	decision triage.Decision, workID string) error {

	_, err := c.db.Execute(ctx,
		`UPDATE ingest_messages SET classification = $2, session_id = NULLIF($3, '') WHERE id = $1`,
		messageID, decisionMap(decision), workID)
	if err != nil {
		return fmt.Errorf("record classification for %s: %w", messageID, err)
	}
	return nil
}

// revertToAccepted undoes the buffer's processing claim so the row survives
// a shutdown race. Runs under a background context; the worker's context is
// the thing that just got cancelled.
func (c *Classifier) revertToAccepted(messageID string) {
	_, err := c.db.Execute(context.Background(),
		`UPDATE ingest_messages SET lifecycle_state = 'accepted' WHERE id = $1 AND lifecycle_state = 'processing'`,
		messageID)
	if err != nil {
		slog.Error("Failed to return ingest row to accepted", "message_id", messageID, "error", err)
	}
}

// routeEnvelope builds the route.v1 envelope a routed ingest message carries
// to its target.
func routeEnvelope(messageID string, env *envelope.Ingest, received time.Time,
	decision triage.Decision) *envelope.Route {

	inputContext := map[string]any{
		"ingest_message_id": messageID,
		"source_channel":    env.Source.Channel,
		"external_event_id": env.Event.ExternalEventID,
		"triage":            decisionMap(decision),
	}
	if env.Event.ExternalThreadID != "" {
		inputContext["external_thread_id"] = env.Event.ExternalThreadID
	}
	if env.Control.PolicyTier != "" {
		inputContext["policy_tier"] = env.Control.PolicyTier
	}

	return &envelope.Route{
		SchemaVersion: envelope.RouteSchemaVersion,
		RequestContext: envelope.RequestContext{
			RequestID:              envelope.NewRequestID(),
			ReceivedAt:             received,
			SourceChannel:          env.Source.Channel,
			SourceEndpointIdentity: env.Source.EndpointIdentity,
			SourceSenderIdentity:   env.Sender.Identity,
		},
		Input: envelope.RouteInput{
			Prompt:  env.Payload.NormalizedText,
			Context: inputContext,
		},
	}
}

// classificationPrompt frames the message for the LLM classification
// session.
func classificationPrompt(env *envelope.Ingest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify and route this %s message.\n", env.Source.Channel)
	fmt.Fprintf(&b, "From: %s\n", env.Sender.Identity)
	if env.Event.ExternalThreadID != "" {
		fmt.Fprintf(&b, "Thread: %s\n", env.Event.ExternalThreadID)
	}
	fmt.Fprintf(&b, "\n%s", env.Payload.NormalizedText)
	return b.String()
}

// actionLabel collapses route_to:<butler> decisions into one metric label.
func actionLabel(d triage.Decision) string {
	if d.RouteTarget != "" {
		return "route_to"
	}
	return d.Action
}

func decisionMap(d triage.Decision) map[string]any {
	m := map[string]any{
		"action":       d.Action,
		"bypasses_llm": d.BypassesLLM,
	}
	if d.RouteTarget != "" {
		m["route_target"] = d.RouteTarget
	}
	if d.MatchedRuleID != "" {
		m["matched_rule_id"] = d.MatchedRuleID
	}
	if d.MatchedRuleType != "" {
		m["matched_rule_type"] = d.MatchedRuleType
	}
	return m
}
