package messenger

import (
	"context"
	"fmt"
	"strings"

	"github.com/butler-platform/butlerd/pkg/delivery"
	"github.com/butler-platform/butlerd/pkg/envelope"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// ThreadSeparator joins a recipient with a thread marker inside
// target_identity, e.g. "C042HOUSE#1724567890.000100". Providers that
// support threading split on the last separator; SplitTarget does it for
// them.
const ThreadSeparator = "#"

// SplitTarget breaks a target identity into its recipient and optional
// thread parts. A target without a separator is all recipient.
func SplitTarget(target string) (recipient, thread string) {
	i := strings.LastIndex(target, ThreadSeparator)
	if i < 0 {
		return target, ""
	}
	return target[:i], target[i+len(ThreadSeparator):]
}

// egressVerbs maps each tool verb to the delivery intent it enqueues and
// whether a thread_id argument is mandatory.
var egressVerbs = []struct {
	verb          string
	intent        string
	threadRequire bool
}{
	{"send_message", envelope.IntentSend, false},
	{"reply_to_message", envelope.IntentReply, false},
	{"reply_to_thread", envelope.IntentReply, true},
}

// identityScopes are the account personas a tool can send as. The scope is
// baked into the tool name so the LLM picks the persona by picking the tool.
var identityScopes = []string{"bot", "user"}

// egressTools builds the channel's send/reply tool set. Names follow
// <scope>_<channel>_<verb> and pass the ownership filter only on the
// messenger's registry.
func egressTools(svc *delivery.Service, channel string) []tools.Tool {
	ts := make([]tools.Tool, 0, len(identityScopes)*len(egressVerbs))
	for _, scope := range identityScopes {
		for _, v := range egressVerbs {
			name := fmt.Sprintf("%s_%s_%s", scope, channel, v.verb)
			ts = append(ts, tools.Func(name, egressFunc(svc, channel, scope, v.intent, v.threadRequire)))
		}
	}
	return ts
}

// egressFunc closes over one (scope, channel, verb) combination. Arguments:
// recipient and message are required, subject, thread_id and idempotency_key
// are optional except where the verb demands a thread.
func egressFunc(svc *delivery.Service, channel, scope, intent string, threadRequire bool) func(context.Context, map[string]any) (map[string]any, error) {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		recipient := stringArg(args, "recipient")
		threadID := stringArg(args, "thread_id")
		if threadRequire && threadID == "" {
			return nil, fault.NewValidationError("thread_id", "required")
		}
		target := recipient
		if threadID != "" {
			target = recipient + ThreadSeparator + threadID
		}

		res, err := svc.Enqueue(ctx, delivery.EnqueueInput{
			IdempotencyKey: stringArg(args, "idempotency_key"),
			Channel:        channel,
			Intent:         intent,
			TargetIdentity: target,
			MessageContent: stringArg(args, "message"),
			Subject:        stringArg(args, "subject"),
			IdentityScope:  scope,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"delivery_id": res.ID,
			"status":      res.Status,
			"duplicate":   res.Duplicate,
		}, nil
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
