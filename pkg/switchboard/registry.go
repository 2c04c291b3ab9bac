package switchboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/postgres"
)

// Peer is one butler_registry row: a daemon peers can address by name.
type Peer struct {
	Name         string
	EndpointURL  string
	Description  string
	Modules      []string
	RegisteredAt time.Time
	LastSeenAt   *time.Time
}

// Registry is the name → endpoint directory every tool client resolves
// through. The switchboard owns the table; peers register themselves at
// startup and heartbeat while running.
type Registry struct {
	db *postgres.Client
}

// NewRegistry builds the registry store.
func NewRegistry(db *postgres.Client) *Registry {
	return &Registry{db: db}
}

// RegisterPeer upserts a peer. Re-registering updates the endpoint, the
// description, and the module list, and refreshes last_seen_at.
func (r *Registry) RegisterPeer(ctx context.Context, p Peer) (*Peer, error) {
	if p.Name == "" {
		return nil, fault.NewValidationError("name", "required")
	}
	if err := validateEndpointURL(p.EndpointURL); err != nil {
		return nil, err
	}
	modules := p.Modules
	if modules == nil {
		modules = []string{}
	}

	_, err := r.db.Execute(ctx, `
		INSERT INTO butler_registry (name, endpoint_url, description, modules, last_seen_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (name) DO UPDATE SET
		    endpoint_url = EXCLUDED.endpoint_url,
		    description  = EXCLUDED.description,
		    modules      = EXCLUDED.modules,
		    last_seen_at = now()`,
		p.Name, p.EndpointURL, p.Description, modules)
	if err != nil {
		return nil, fmt.Errorf("register butler %q: %w", p.Name, err)
	}

	slog.Info("Butler registered", "name", p.Name, "endpoint", p.EndpointURL)
	return r.ResolvePeer(ctx, p.Name)
}

// ResolvePeer returns the peer registered under name.
func (r *Registry) ResolvePeer(ctx context.Context, name string) (*Peer, error) {
	if name == "" {
		return nil, fault.NewValidationError("name", "required")
	}
	row, err := r.db.FetchRow(ctx,
		`SELECT name, endpoint_url, description, modules, registered_at, last_seen_at
		 FROM butler_registry WHERE name = $1`, name)
	if errors.Is(err, fault.ErrNotFound) {
		return nil, fmt.Errorf("butler %q: %w", name, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve butler %q: %w", name, err)
	}
	return peerFromRow(row)
}

// ListPeers returns every registered butler, ordered by name.
func (r *Registry) ListPeers(ctx context.Context) ([]*Peer, error) {
	rows, err := r.db.Fetch(ctx,
		`SELECT name, endpoint_url, description, modules, registered_at, last_seen_at
		 FROM butler_registry ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list butlers: %w", err)
	}
	peers := make([]*Peer, 0, len(rows))
	for _, row := range rows {
		p, err := peerFromRow(row)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// Heartbeat refreshes a peer's last_seen_at without touching its record.
func (r *Registry) Heartbeat(ctx context.Context, name string) (*Peer, error) {
	if name == "" {
		return nil, fault.NewValidationError("name", "required")
	}
	n, err := r.db.Execute(ctx,
		`UPDATE butler_registry SET last_seen_at = now() WHERE name = $1`, name)
	if err != nil {
		return nil, fmt.Errorf("heartbeat butler %q: %w", name, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("butler %q: %w", name, fault.ErrNotFound)
	}
	return r.ResolvePeer(ctx, name)
}

// DeregisterPeer removes a peer from the directory. Resolutions already
// cached by clients survive until their TTL expires.
func (r *Registry) DeregisterPeer(ctx context.Context, name string) error {
	if name == "" {
		return fault.NewValidationError("name", "required")
	}
	n, err := r.db.Execute(ctx, `DELETE FROM butler_registry WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deregister butler %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("butler %q: %w", name, fault.ErrNotFound)
	}
	slog.Info("Butler deregistered", "name", name)
	return nil
}

func validateEndpointURL(raw string) error {
	if raw == "" {
		return fault.NewValidationError("endpoint_url", "required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fault.NewValidationError("endpoint_url", "must be an http(s) URL")
	}
	return nil
}

func peerFromRow(row map[string]any) (*Peer, error) {
	modules, err := postgres.NormalizeJSONB(row["modules"])
	if err != nil {
		return nil, fmt.Errorf("decode registry modules: %w", err)
	}

	p := &Peer{
		Name:         rowString(row, "name"),
		EndpointURL:  rowString(row, "endpoint_url"),
		Description:  rowString(row, "description"),
		Modules:      stringSlice(modules),
		RegisteredAt: rowTime(row, "registered_at"),
	}
	if t, ok := row["last_seen_at"].(time.Time); ok {
		p.LastSeenAt = &t
	}
	return p, nil
}

func stringSlice(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
