package switchboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// threadKeyPrefix namespaces thread routes inside the butler state store.
const threadKeyPrefix = "thread_route:"

// casRetryDelay spaces the single retry a CAS conflict gets before the
// conflict propagates.
const casRetryDelay = 25 * time.Millisecond

// ThreadRoutes remembers which butler a conversation thread was routed to,
// stored in the switchboard's KV state. A remembered thread short-circuits
// triage on every later message, so replies stay with the butler that owns
// the conversation.
type ThreadRoutes struct {
	db *postgres.Client
}

// NewThreadRoutes builds the affinity store.
func NewThreadRoutes(db *postgres.Client) *ThreadRoutes {
	return &ThreadRoutes{db: db}
}

// Lookup returns the thread's routed butler, or "" when the thread is new.
// Lookup fails open: a store error logs and classifies as no affinity, which
// just means triage runs normally.
func (t *ThreadRoutes) Lookup(ctx context.Context, channel, threadID string) string {
	if threadID == "" {
		return ""
	}
	value, _, err := t.db.StateGet(ctx, threadKey(channel, threadID))
	if err != nil {
		if !errors.Is(err, fault.ErrNotFound) {
			slog.Warn("Thread route lookup failed", "channel", channel, "error", err)
		}
		return ""
	}
	return routedButler(value)
}

// Record stores the thread → butler route. New threads create the key;
// re-routing an existing thread goes through compare-and-set, retried once
// on conflict before the conflict propagates.
func (t *ThreadRoutes) Record(ctx context.Context, channel, threadID, butler string) error {
	if threadID == "" || butler == "" {
		return nil
	}
	key := threadKey(channel, threadID)

	err := t.record(ctx, key, butler)
	if errors.Is(err, fault.ErrCASConflict) {
		time.Sleep(casRetryDelay)
		err = t.record(ctx, key, butler)
	}
	if err != nil {
		return fmt.Errorf("record thread route %q: %w", key, err)
	}
	return nil
}

func (t *ThreadRoutes) record(ctx context.Context, key, butler string) error {
	value := map[string]any{"butler": butler}

	current, version, err := t.db.StateGet(ctx, key)
	if errors.Is(err, fault.ErrNotFound) {
		_, err = t.db.StateSet(ctx, key, value)
		return err
	}
	if err != nil {
		return err
	}
	if routedButler(current) == butler {
		return nil
	}
	_, err = t.db.StateCompareAndSet(ctx, key, version, value)
	return err
}

func threadKey(channel, threadID string) string {
	return threadKeyPrefix + strings.ToLower(strings.TrimSpace(channel)) + ":" + threadID
}

func routedButler(value any) string {
	m, _ := value.(map[string]any)
	s, _ := m["butler"].(string)
	return s
}
