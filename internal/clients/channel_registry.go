package clients

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"clearnode/internal/appsession"
	"clearnode/internal/models"
	"clearnode/internal/notify"
)

// EntryKind tells channel entries from app session entries
type EntryKind string

const (
	EntryChannel    EntryKind = "channel"
	EntryAppSession EntryKind = "app_session"
)

// Entry is the last known snapshot of a channel or app session.
type Entry struct {
	ID      string
	Kind    EntryKind
	Status  string
	Version uint64

	Channel    *models.Channel
	AppSession *appsession.Session
}

// ChannelRegistry holds the channels and app sessions a client works with,
// keyed by channel id or app session id. The owner passes it to whatever
// needs it; there is no package-level instance.
type ChannelRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{entries: make(map[string]*Entry)}
}

func registryKey(id string) string { return strings.ToLower(id) }

// PutChannel stores a channel snapshot unless a newer version is already known.
func (r *ChannelRegistry) PutChannel(ch *models.Channel) bool {
	return r.put(&Entry{
		ID:      ch.ChannelID,
		Kind:    EntryChannel,
		Status:  string(ch.Status),
		Version: ch.Version,
		Channel: ch,
	})
}

// PutAppSession stores an app session snapshot unless a newer version is already known.
func (r *ChannelRegistry) PutAppSession(s *appsession.Session) bool {
	return r.put(&Entry{
		ID:         s.SessionID,
		Kind:       EntryAppSession,
		Status:     string(s.Status),
		Version:    s.Version,
		AppSession: s,
	})
}

func (r *ChannelRegistry) put(e *Entry) bool {
	key := registryKey(e.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[key]; ok && prev.Version > e.Version {
		return false
	}
	r.entries[key] = e
	return true
}

// Get returns the snapshot for id
func (r *ChannelRegistry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[registryKey(id)]
	return e, ok
}

// Delete forgets id
func (r *ChannelRegistry) Delete(id string) {
	r.mu.Lock()
	delete(r.entries, registryKey(id))
	r.mu.Unlock()
}

func (r *ChannelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns entries of kind, ordered by id. An empty kind lists everything.
func (r *ChannelRegistry) List(kind EntryKind) []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply folds a cu or asu notification into the registry. Other
// notifications are ignored. It reports whether the registry changed.
func (r *ChannelRegistry) Apply(n Notification) (bool, error) {
	switch n.Method {
	case notify.ChannelUpdate:
		var ch models.Channel
		if err := json.Unmarshal(n.Params, &ch); err != nil {
			return false, fmt.Errorf("failed to decode channel update: %w", err)
		}
		return r.PutChannel(&ch), nil
	case notify.AppSessionUpdate:
		var s appsession.Session
		if err := json.Unmarshal(n.Params, &s); err != nil {
			return false, fmt.Errorf("failed to decode app session update: %w", err)
		}
		if s.AppSession == nil {
			return false, fmt.Errorf("app session update without session")
		}
		return r.PutAppSession(&s), nil
	default:
		return false, nil
	}
}
