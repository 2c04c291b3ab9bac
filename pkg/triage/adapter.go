package triage

import (
	"strings"

	"github.com/butler-platform/butlerd/pkg/envelope"
)

// EnvelopeFromIngest projects an ingest envelope into the triage view.
// Missing or oddly-typed payload fields degrade to empty values rather than
// erroring; triage must never reject an event the transport accepted.
func EnvelopeFromIngest(in *envelope.Ingest) Envelope {
	if in == nil {
		return Envelope{Headers: map[string]string{}}
	}

	env := Envelope{
		SenderAddress: strings.ToLower(strings.TrimSpace(in.Sender.Identity)),
		SourceChannel: strings.ToLower(strings.TrimSpace(in.Source.Channel)),
		Headers:       extractHeaders(in.Payload.Raw),
		ThreadID:      in.Event.ExternalThreadID,
	}

	env.MIMETypes = extractMIMETypes(in)
	return env
}

// extractHeaders pulls payload.raw.headers into a lowercase-keyed map.
// Non-string values are rendered only when trivially stringable.
func extractHeaders(raw map[string]any) map[string]string {
	headers := map[string]string{}
	if raw == nil {
		return headers
	}
	hv, ok := raw["headers"]
	if !ok {
		return headers
	}

	switch m := hv.(type) {
	case map[string]string:
		for k, v := range m {
			headers[strings.ToLower(k)] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				headers[strings.ToLower(k)] = s
			}
		}
	}
	return headers
}

// extractMIMETypes unions payload.raw.mime_parts with attachment media
// types, lowercased and deduplicated, preserving first-seen order.
func extractMIMETypes(in *envelope.Ingest) []string {
	seen := map[string]bool{}
	var types []string
	add := func(mt string) {
		mt = strings.ToLower(strings.TrimSpace(mt))
		if mt == "" || seen[mt] {
			return
		}
		seen[mt] = true
		types = append(types, mt)
	}

	if in.Payload.Raw != nil {
		if parts, ok := in.Payload.Raw["mime_parts"].([]any); ok {
			for _, p := range parts {
				if s, ok := p.(string); ok {
					add(s)
				}
			}
		}
	}
	for _, att := range in.Payload.Attachments {
		add(att.MediaType)
	}
	return types
}
