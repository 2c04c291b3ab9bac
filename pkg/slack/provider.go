package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/butler-platform/butlerd/pkg/delivery"
	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/messenger"
)

const (
	postTimeout   = 15 * time.Second
	lookupTimeout = 10 * time.Second
)

// terminalAPIErrors are chat.postMessage failures that retrying cannot fix.
// Anything not listed here is treated as transient.
var terminalAPIErrors = map[string]bool{
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"msg_too_long":      true,
	"no_text":           true,
	"invalid_blocks":    true,
	"invalid_arguments": true,
	"restricted_action": true,
	"invalid_auth":      true,
	"account_inactive":  true,
	"token_revoked":     true,
}

// Provider delivers messenger requests to Slack. The target identity is a
// channel ID, optionally carrying a thread timestamp after the thread
// separator ("C042HOUSE#1724567890.000100"). A reply without an explicit
// thread marker falls back to a subject search over recent channel history
// and posts top-level when nothing matches.
type Provider struct {
	client *Client
	logger *slog.Logger
}

// NewProvider creates the Slack provider for the given token.
func NewProvider(token string) *Provider {
	return NewProviderWithClient(NewClient(token))
}

// NewProviderWithClient creates a Provider backed by a pre-built Client.
func NewProviderWithClient(client *Client) *Provider {
	return &Provider{
		client: client,
		logger: slog.Default().With("component", "slack-provider"),
	}
}

// Send implements delivery.Provider.
func (p *Provider) Send(ctx context.Context, req *delivery.Request) (*delivery.Receipt, error) {
	channelID, threadTS := messenger.SplitTarget(req.TargetIdentity)
	if channelID == "" {
		return nil, fmt.Errorf("slack target %q has no channel: %w", req.TargetIdentity, delivery.ErrNonRetryable)
	}

	if threadTS == "" && req.Intent == envelope.IntentReply && req.Subject != "" {
		ts, err := p.findThread(ctx, channelID, req.Subject)
		if err != nil {
			p.logger.Warn("Slack thread lookup failed, posting top-level",
				"delivery_id", req.ID,
				"channel_id", channelID,
				"error", err)
		}
		threadTS = ts
	}

	blocks := BuildMessageBlocks(req.Subject, req.MessageContent)
	ts, err := p.client.PostMessage(ctx, channelID, blocks, threadTS, postTimeout)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	raw := map[string]any{"channel": channelID, "ts": ts}
	if threadTS != "" {
		raw["thread_ts"] = threadTS
	}
	return &delivery.Receipt{ProviderMessageID: ts, Raw: raw}, nil
}

func (p *Provider) findThread(ctx context.Context, channelID, subject string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	return p.client.FindThreadBySubject(ctx, channelID, subject)
}

// classifyAPIError translates slack-go failures into the delivery taxonomy:
// rate limiting becomes a ThrottleError carrying Slack's advertised wait,
// terminal API codes become non-retryable, the rest stay retryable as-is.
func classifyAPIError(err error) error {
	var rle *goslack.RateLimitedError
	if errors.As(err, &rle) {
		return &delivery.ThrottleError{RetryAfter: rle.RetryAfter, Reason: "slack rate limited"}
	}
	var apiErr goslack.SlackErrorResponse
	if errors.As(err, &apiErr) && terminalAPIErrors[apiErr.Err] {
		return fmt.Errorf("slack: %s: %w", apiErr.Err, delivery.ErrNonRetryable)
	}
	return err
}
