package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "continuum/shared/contracts/continuum/v1"
)

const (
	DefaultTTL       = 7 * 24 * time.Hour
	DefaultMaxKeys   = 1024
	DefaultMaxKeyLen = 256
)

// Observer receives registry events (metrics).
type Observer interface {
	MutationApplied(op string)
	FanoutDropped()
	SessionExpired()
}

type nopObserver struct{}

func (nopObserver) MutationApplied(string) {}
func (nopObserver) FanoutDropped() {}
func (nopObserver) SessionExpired() {}

// Registry owns every live session. Create one per process and inject it.
type Registry struct {
	log       *slog.Logger
	backend   Backend
	observer  Observer
	ttl       time.Duration
	maxKeys   int
	maxKeyLen int
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[string]string // conn id -> session id
	names    map[deviceKey]string
	onRemove []func(sessionID string)
}

type deviceKey struct {
	userID   string
	deviceID string
}

// Option configures a Registry.
type Option func(*Registry) error

// WithBackend sets the write-through persistence backend (default: memory only).
func WithBackend(b Backend) Option {
	return func(r *Registry) error {
		if b == nil {
			return errors.New("state: nil backend")
		}
		r.backend = b
		return nil
	}
}

// WithTTL sets the sliding session TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) error {
		if ttl <= 0 {
			return errors.New("state: ttl must be positive")
		}
		r.ttl = ttl
		return nil
	}
}

// WithLimits sets the per-session key count and key length ceilings.
func WithLimits(maxKeys, maxKeyLen int) Option {
	return func(r *Registry) error {
		if maxKeys <= 0 || maxKeyLen <= 0 {
			return errors.New("state: limits must be positive")
		}
		r.maxKeys = maxKeys
		r.maxKeyLen = maxKeyLen
		return nil
	}
}

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) error {
		if o != nil {
			r.observer = o
		}
		return nil
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) error {
		if now != nil {
			r.now = now
		}
		return nil
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(log *slog.Logger, opts ...Option) (*Registry, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	r := &Registry{
		log:       log,
		backend:   MemoryBackend{},
		observer:  nopObserver{},
		ttl:       DefaultTTL,
		maxKeys:   DefaultMaxKeys,
		maxKeyLen: DefaultMaxKeyLen,
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*Session),
		conns:     make(map[string]string),
		names:     make(map[deviceKey]string),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// TTL returns the configured sliding TTL.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Create registers a brand-new session owned by userID.
func (r *Registry) Create(ctx context.Context, sessionID, userID string) (Snapshot, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Snapshot{}, ErrNotFound
	}
	var out Snapshot
	err := r.withSession(ctx, sessionID, true, func(s *Session) error {
		if s.userID == "" {
			s.userID = userID
		}
		out = s.snapshotLocked()
		return nil
	})
	return out, err
}

// Snapshot returns a point-in-time copy of an existing session.
func (r *Registry) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	var out Snapshot
	err := r.withSession(ctx, sessionID, false, func(s *Session) error {
		out = s.snapshotLocked()
		return nil
	})
	return out, err
}

// Apply commits one mutation and fans it out to every other attached subscriber.
func (r *Registry) Apply(ctx context.Context, sessionID string, m Mutation) (Entry, error) {
	key := m.Key
	if strings.TrimSpace(key) == "" || len(key) > r.maxKeyLen {
		return Entry{}, ErrInvalidKey
	}
	if !m.Delete && (len(m.Value) == 0 || !json.Valid(m.Value)) {
		return Entry{}, ErrInvalidMut
	}

	var out Entry
	err := r.withSession(ctx, sessionID, true, func(s *Session) error {
		if _, exists := s.entries[key]; !exists && !m.Delete && len(s.entries) >= r.maxKeys {
			return ErrTooManyKeys
		}

		now := r.now()
		meta := s.nextMetaLocked(now, r.ttl)
		entry := Entry{
			Key:       key,
			Value:     append(json.RawMessage(nil), m.Value...),
			UpdatedAt: now,
			UpdatedBy: m.DeviceID,
		}

		op := "set"
		var werr error
		if m.Delete {
			op = "delete"
			werr = r.backend.DeleteEntry(ctx, meta, key)
		} else {
			werr = r.backend.PutEntry(ctx, meta, entry)
		}
		if werr != nil {
			return BackendError{Op: op, Err: werr}
		}

		if m.Delete {
			delete(s.entries, key)
			entry.Value = nil
		} else {
			s.entries[key] = entry
		}
		s.touchLocked(now, r.ttl)
		r.observer.MutationApplied(op)

		r.fanoutLocked(s, Change{Entry: entry, Deleted: m.Delete}, m.ConnID, now)
		out = entry
		return nil
	})
	return out, err
}

// TransformFunc computes a replacement state from the current one.
type TransformFunc func(current map[string]json.RawMessage) (map[string]json.RawMessage, error)

// TransformResult reports what a Transform changed.
type TransformResult struct {
	Before  map[string]json.RawMessage
	After   map[string]json.RawMessage
	Changes []Change
}

// Transform replaces the whole state of a session with fn(current) as one atomic step and
// broadcasts every resulting change to all attached subscribers, the caller's included.
func (r *Registry) Transform(ctx context.Context, sessionID, deviceID string, fn TransformFunc) (TransformResult, error) {
	if fn == nil {
		return TransformResult{}, ErrInvalidMut
	}

	var res TransformResult
	err := r.withSession(ctx, sessionID, true, func(s *Session) error {
		before := s.dataLocked()
		next, err := fn(s.dataLocked())
		if err != nil {
			return err
		}
		if len(next) > r.maxKeys {
			return ErrTooManyKeys
		}

		now := r.now()
		entries := make(map[string]Entry, len(next))
		var changes []Change
		for k, v := range next {
			if strings.TrimSpace(k) == "" || len(k) > r.maxKeyLen {
				return ErrInvalidKey
			}
			if !json.Valid(v) {
				return ErrInvalidMut
			}
			if cur, ok := s.entries[k]; ok && ValuesEqual(cur.Value, v) {
				entries[k] = cur
				continue
			}
			e := Entry{Key: k, Value: append(json.RawMessage(nil), v...), UpdatedAt: now, UpdatedBy: deviceID}
			entries[k] = e
			changes = append(changes, Change{Entry: e})
		}
		for k := range s.entries {
			if _, ok := next[k]; !ok {
				changes = append(changes, Change{Entry: Entry{Key: k, UpdatedAt: now, UpdatedBy: deviceID}, Deleted: true})
			}
		}
		sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })

		meta := s.nextMetaLocked(now, r.ttl)
		if err := r.backend.Replace(ctx, Record{Meta: meta, Entries: entries}); err != nil {
			return BackendError{Op: "replace", Err: err}
		}

		s.entries = entries
		s.touchLocked(now, r.ttl)
		r.observer.MutationApplied("replace")

		for _, c := range changes {
			r.fanoutLocked(s, c, "", now)
		}

		res = TransformResult{Before: before, After: s.dataLocked(), Changes: changes}
		return nil
	})
	return res, err
}

// Attach binds sub to sessionID, creating the session on first touch. A subscriber is in at
// most one session: attaching elsewhere moves it out of the previous one once the new
// binding has succeeded. On error the previous binding is untouched.
func (r *Registry) Attach(ctx context.Context, sessionID string, sub Subscriber) (Snapshot, error) {
	return r.attach(ctx, sessionID, sub, false)
}

// AttachWithSnapshot is Attach that also delivers a snapshot_response to sub before any update
// fanned out after the binding, so the subscriber never sees a delta ahead of its base state.
func (r *Registry) AttachWithSnapshot(ctx context.Context, sessionID string, sub Subscriber) (Snapshot, error) {
	return r.attach(ctx, sessionID, sub, true)
}

func (r *Registry) attach(ctx context.Context, sessionID string, sub Subscriber, send bool) (Snapshot, error) {
	if sub == nil || strings.TrimSpace(sub.ConnID()) == "" {
		return Snapshot{}, ErrInvalidMut
	}
	if closed(sub) {
		return Snapshot{}, ErrDetached
	}

	connID := sub.ConnID()

	var out Snapshot
	err := r.withSession(ctx, sessionID, true, func(s *Session) error {
		if s.userID == "" {
			s.userID = sub.UserID()
		}
		out = s.snapshotLocked()
		if send {
			env, err := v1.NewEnvelope(out.Payload(), r.now())
			if err != nil {
				return err
			}
			env.SessionID = s.id
			if !sub.Deliver(env) {
				return ErrUndeliverable
			}
		}
		s.subs[connID] = sub
		sub.Bound(s.id)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	prev, had := r.conns[connID]
	r.conns[connID] = sessionID
	var old *Session
	if had && prev != sessionID {
		old = r.sessions[prev]
	}
	r.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		delete(old.subs, connID)
		old.mu.Unlock()
		r.log.Info("state.detach", "session_id", prev, "conn_id", connID, "moved_to", sessionID)
	}

	// Close can race with attach; whichever side runs last removes the binding.
	if closed(sub) {
		r.Detach(connID)
		return Snapshot{}, ErrDetached
	}

	r.log.Info("state.attach", "session_id", sessionID, "conn_id", connID, "device_id", sub.DeviceID())
	return out, nil
}

// Detach removes a connection from its session. It is idempotent.
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	sessionID, ok := r.conns[connID]
	delete(r.conns, connID)
	s := r.sessions[sessionID]
	r.mu.Unlock()

	if !ok || s == nil {
		return
	}

	s.mu.Lock()
	delete(s.subs, connID)
	s.mu.Unlock()

	r.log.Info("state.detach", "session_id", sessionID, "conn_id", connID)
}

// SessionOf returns the session a connection is attached to.
func (r *Registry) SessionOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.conns[connID]
	return id, ok
}

// Connection returns an attached subscriber by connection id.
func (r *Registry) Connection(connID string) (Subscriber, bool) {
	r.mu.RLock()
	sessionID, ok := r.conns[connID]
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok || s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[connID]
	return sub, ok
}

// Subscribers returns the subscribers currently attached to a session.
func (r *Registry) Subscribers(sessionID string) []Subscriber {
	r.mu.RLock()
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID() < out[j].ConnID() })
	return out
}

// DeviceConnections returns the attached subscribers of one device of one user.
func (r *Registry) DeviceConnections(userID, deviceID string) []Subscriber {
	var out []Subscriber
	r.eachSession(func(s *Session) {
		for _, sub := range s.subs {
			if sub.UserID() == userID && sub.DeviceID() == deviceID {
				out = append(out, sub)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID() < out[j].ConnID() })
	return out
}

// Sessions lists live sessions owned by userID (all sessions when userID is empty).
func (r *Registry) Sessions(userID string) []Info {
	var out []Info
	r.eachSession(func(s *Session) {
		if userID != "" && s.userID != userID {
			return
		}
		out = append(out, s.infoLocked())
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Devices lists the devices of userID that currently hold at least one connection.
func (r *Registry) Devices(userID string) []Device {
	byID := make(map[string]*Device)
	r.eachSession(func(s *Session) {
		for _, sub := range s.subs {
			if sub.UserID() != userID {
				continue
			}
			d := byID[sub.DeviceID()]
			if d == nil {
				d = &Device{DeviceID: sub.DeviceID(), UserID: userID}
				byID[sub.DeviceID()] = d
			}
			d.Connections++
			if !containsString(d.SessionIDs, s.id) {
				d.SessionIDs = append(d.SessionIDs, s.id)
			}
		}
	})

	r.mu.RLock()
	out := make([]Device, 0, len(byID))
	for _, d := range byID {
		d.Name = r.names[deviceKey{userID: userID, deviceID: d.DeviceID}]
		sort.Strings(d.SessionIDs)
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// RenameDevice sets the display name of a device.
func (r *Registry) RenameDevice(userID, deviceID, name string) error {
	name = strings.TrimSpace(name)
	if userID == "" || deviceID == "" || name == "" || len(name) > 128 {
		return ErrInvalidMut
	}
	r.mu.Lock()
	r.names[deviceKey{userID: userID, deviceID: deviceID}] = name
	r.mu.Unlock()
	return nil
}

// DisconnectDevice closes every connection of a device and returns how many were closed.
func (r *Registry) DisconnectDevice(userID, deviceID, reason string) int {
	subs := r.DeviceConnections(userID, deviceID)
	for _, sub := range subs {
		r.Detach(sub.ConnID())
		sub.Disconnect(reason)
	}
	return len(subs)
}

// Terminate drops a session, closes its attached connections, and purges it from the backend.
func (r *Registry) Terminate(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	s := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	var subs []Subscriber
	if s != nil {
		s.mu.Lock()
		s.gone = true
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subs = make(map[string]Subscriber)
		s.mu.Unlock()
	}

	r.mu.Lock()
	for _, sub := range subs {
		delete(r.conns, sub.ConnID())
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Disconnect("session terminated")
	}

	if err := r.backend.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return BackendError{Op: "delete", Err: err}
	}
	r.notifyRemoved(sessionID)
	if s == nil {
		r.log.Info("state.terminate.unknown", "session_id", sessionID)
	} else {
		r.log.Info("state.terminate", "session_id", sessionID, "closed", len(subs))
	}
	return nil
}

// Sweep removes every session whose TTL lapsed and that has no attached subscriber.
// It returns the number of sessions removed from memory.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	removed := 0
	for _, s := range candidates {
		s.mu.Lock()
		expired := len(s.subs) == 0 && !now.Before(s.expiresAt) && !s.gone
		if expired {
			s.gone = true
		}
		s.mu.Unlock()
		if !expired {
			continue
		}

		r.mu.Lock()
		if r.sessions[s.id] == s {
			delete(r.sessions, s.id)
		}
		r.mu.Unlock()

		if err := r.backend.Delete(ctx, s.id); err != nil && !errors.Is(err, ErrNotFound) {
			r.log.Warn("state.sweep.backend_fail", "session_id", s.id, "err", err)
		}
		r.observer.SessionExpired()
		r.notifyRemoved(s.id)
		removed++
	}

	if ex, ok := r.backend.(Expirer); ok {
		n, err := ex.DeleteExpired(ctx, now)
		if err != nil {
			r.log.Warn("state.sweep.expire_fail", "err", err)
		} else if n > 0 {
			r.log.Info("state.sweep.backend", "purged", n)
		}
	}

	if removed > 0 {
		r.log.Info("state.sweep", "removed", removed)
	}
	return removed
}

// OnRemove registers fn to run after Sweep or Terminate drops a session.
func (r *Registry) OnRemove(fn func(sessionID string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.mu.Unlock()
}

func (r *Registry) notifyRemoved(sessionID string) {
	r.mu.RLock()
	fns := append(([]func(string))(nil), r.onRemove...)
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(sessionID)
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Close releases the backend.
func (r *Registry) Close() error {
	return r.backend.Close()
}

// withSession resolves (and optionally creates) a session and runs fn under its lock.
func (r *Registry) withSession(ctx context.Context, sessionID string, create bool, fn func(*Session) error) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrNotFound
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := r.resolve(ctx, sessionID, create)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.gone {
			s.mu.Unlock()
			continue
		}
		err = fn(s)
		s.mu.Unlock()
		return err
	}
}

func (r *Registry) resolve(ctx context.Context, sessionID string, create bool) (*Session, error) {
	r.mu.RLock()
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	now := r.now()
	rec, err := r.backend.Load(ctx, sessionID)
	switch {
	case err == nil && now.Before(rec.ExpiresAt):
		s = sessionFromRecord(rec)
	case err == nil || errors.Is(err, ErrNotFound):
		if err == nil {
			_ = r.backend.Delete(ctx, sessionID)
		}
		if !create {
			return nil, ErrNotFound
		}
		s = newSession(sessionID, now, r.ttl)
	default:
		return nil, BackendError{Op: "load", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.sessions[sessionID]; existing != nil {
		return existing, nil
	}
	r.sessions[sessionID] = s
	return s, nil
}

func (r *Registry) eachSession(fn func(*Session)) {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	for _, s := range list {
		s.mu.Lock()
		if !s.gone {
			fn(s)
		}
		s.mu.Unlock()
	}
}

// fanoutLocked enqueues c to every subscriber except exceptConn. Caller holds s.mu.
func (r *Registry) fanoutLocked(s *Session, c Change, exceptConn string, now time.Time) {
	if len(s.subs) == 0 {
		return
	}
	env, err := updateEnvelope(s.id, c, now)
	if err != nil {
		r.log.Error("state.fanout.encode_fail", "session_id", s.id, "err", err)
		return
	}
	for id, sub := range s.subs {
		if id == exceptConn {
			continue
		}
		if !sub.Deliver(env) {
			r.observer.FanoutDropped()
			r.log.Warn("state.fanout.drop", "session_id", s.id, "conn_id", id, "key", c.Key)
		}
	}
}

func updateEnvelope(sessionID string, c Change, now time.Time) (v1.Envelope, error) {
	at := c.UpdatedAt
	p := v1.StateUpdatePayload{
		Key:       c.Key,
		Deleted:   c.Deleted,
		UpdatedBy: c.UpdatedBy,
		UpdatedAt: &at,
	}
	if !c.Deleted {
		p.Value = c.Value
	}
	env, err := v1.NewEnvelope(p, now)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("encode state_update: %w", err)
	}
	env.SessionID = sessionID
	return env, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
