package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"continuum/cmd/identity/ids"
	"continuum/cmd/internal/state"
	v1 "continuum/shared/contracts/continuum/v1"
)

const (
	DefaultTTL             = 10 * time.Minute
	DefaultTransferTimeout = 10 * time.Second
	DefaultRetention       = time.Hour

	defaultStepDelay = 50 * time.Millisecond
)

// Observer receives handoff lifecycle events (metrics).
type Observer interface {
	HandoffTransition(status string)
	TokenRedeemed(result string)
}

type nopObserver struct{}

func (nopObserver) HandoffTransition(string) {}
func (nopObserver) TokenRedeemed(string) {}

type entry struct {
	req    Request
	done   chan struct{}
	cancel context.CancelFunc
}

// Orchestrator owns every handoff request of the process.
type Orchestrator struct {
	log             *slog.Logger
	reg             *state.Registry
	tracer          trace.Tracer
	observer        Observer
	ttl             time.Duration
	transferTimeout time.Duration
	stepDelay       time.Duration
	retention       time.Duration
	now             func() time.Time

	mu    sync.Mutex
	items map[string]*entry
	wg    sync.WaitGroup
}

// Option configures the Orchestrator.
type Option func(*Orchestrator) error

// WithTTL sets how long a pending request stays acceptable.
func WithTTL(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		o.ttl = d
		return nil
	}
}

// WithTransferTimeout bounds one transfer task.
func WithTransferTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		o.transferTimeout = d
		return nil
	}
}

// WithStepDelay sets the pause between progress steps (zero disables it).
func WithStepDelay(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d < 0 {
			return ErrInvalidInput
		}
		o.stepDelay = d
		return nil
	}
}

// WithObserver installs an event observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) error {
		if obs != nil {
			o.observer = obs
		}
		return nil
	}
}

// WithTracer overrides the otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) error {
		if t != nil {
			o.tracer = t
		}
		return nil
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) error {
		if now != nil {
			o.now = now
		}
		return nil
	}
}

// NewOrchestrator constructs an Orchestrator over reg.
func NewOrchestrator(log *slog.Logger, reg *state.Registry, opts ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		log:             log,
		reg:             reg,
		tracer:          otel.Tracer("continuum/handoff"),
		observer:        nopObserver{},
		ttl:             DefaultTTL,
		transferTimeout: DefaultTransferTimeout,
		stepDelay:       defaultStepDelay,
		retention:       DefaultRetention,
		now:             func() time.Time { return time.Now().UTC() },
		items:           make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Initiate creates a pending request. The session must exist and belong to the user.
func (o *Orchestrator) Initiate(ctx context.Context, in InitiateInput) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	in.UserID = strings.TrimSpace(in.UserID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.SourceDeviceID = strings.TrimSpace(in.SourceDeviceID)
	in.TargetDeviceID = strings.TrimSpace(in.TargetDeviceID)
	if in.UserID == "" || in.SessionID == "" || in.SourceDeviceID == "" {
		return Request{}, ErrInvalidInput
	}
	if in.TargetDeviceID != "" && in.TargetDeviceID == in.SourceDeviceID {
		return Request{}, ErrInvalidInput
	}

	snap, err := o.reg.Snapshot(ctx, in.SessionID)
	if err != nil {
		return Request{}, err
	}
	if snap.UserID != "" && snap.UserID != in.UserID {
		return Request{}, ErrForbidden
	}

	now := in.Now
	if now.IsZero() {
		now = o.now()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Request{}, err
	}

	req := Request{
		ID:             id,
		UserID:         in.UserID,
		SessionID:      in.SessionID,
		SourceDeviceID: in.SourceDeviceID,
		TargetDeviceID: in.TargetDeviceID,
		Status:         StatusPending,
		Progress:       0,
		CreatedAt:      now,
		ExpiresAt:      now.Add(o.ttl),
		UpdatedAt:      now,
	}

	o.mu.Lock()
	o.items[id] = &entry{req: req, done: make(chan struct{})}
	o.mu.Unlock()

	o.observer.HandoffTransition(string(StatusPending))
	o.log.Info("handoff.initiate",
		"handoff_id", id,
		"session_id", req.SessionID,
		"source_device_id", req.SourceDeviceID,
		"target_device_id", req.TargetDeviceID,
	)
	o.emit(req, nil)
	return req, nil
}

// Accept moves a pending request to in_progress and starts the transfer to target.
// The transfer runs in the background; use Wait to observe the terminal state.
func (o *Orchestrator) Accept(ctx context.Context, id string, target state.Subscriber) (Request, error) {
	if target == nil {
		return Request{}, ErrInvalidInput
	}

	o.mu.Lock()
	e, err := o.lookupLocked(id)
	if err != nil {
		o.mu.Unlock()
		return Request{}, err
	}
	expired := o.expireLocked(e)
	req := e.req
	if req.Status != StatusPending {
		o.mu.Unlock()
		if expired {
			o.emit(req, nil)
		}
		return req, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, StatusInProgress)
	}
	if target.UserID() != req.UserID {
		o.mu.Unlock()
		return Request{}, ErrForbidden
	}
	if req.TargetDeviceID != "" && target.DeviceID() != req.TargetDeviceID {
		o.mu.Unlock()
		return Request{}, ErrForbidden
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.transferTimeout)
	e.cancel = cancel
	e.req.TargetDeviceID = target.DeviceID()
	o.transitionLocked(e, StatusInProgress, 0, "")
	req = e.req
	o.wg.Add(1)
	o.mu.Unlock()

	o.emit(req, target)
	go o.transfer(tctx, cancel, req, target)
	return req, nil
}

// Reject cancels a pending request on behalf of the target device.
// Rejecting a terminal request is a no-op that returns its current state.
func (o *Orchestrator) Reject(ctx context.Context, id string) (Request, error) {
	return o.stop(ctx, id, ReasonRejected, false)
}

// Cancel stops a pending or in-progress request. It is idempotent.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (Request, error) {
	return o.stop(ctx, id, ReasonCanceled, true)
}

func (o *Orchestrator) stop(ctx context.Context, id, reason string, allowInProgress bool) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}

	o.mu.Lock()
	e, err := o.lookupLocked(id)
	if err != nil {
		o.mu.Unlock()
		return Request{}, err
	}
	expired := o.expireLocked(e)
	if e.req.Status.Terminal() {
		req := e.req
		o.mu.Unlock()
		if expired {
			o.emit(req, nil)
		}
		return req, nil
	}
	if e.req.Status == StatusInProgress && !allowInProgress {
		req := e.req
		o.mu.Unlock()
		return req, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, StatusCancelled)
	}
	o.transitionLocked(e, StatusCancelled, e.req.Progress, reason)
	req := e.req
	o.mu.Unlock()

	o.log.Info("handoff.cancel", "handoff_id", id, "reason", reason)
	o.emit(req, nil)
	return req, nil
}

// Get returns the current state of a request.
func (o *Orchestrator) Get(ctx context.Context, id string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	o.mu.Lock()
	e, err := o.lookupLocked(id)
	if err != nil {
		o.mu.Unlock()
		return Request{}, err
	}
	expired := o.expireLocked(e)
	req := e.req
	o.mu.Unlock()

	if expired {
		o.emit(req, nil)
	}
	return req, nil
}

// List returns the requests of userID, newest first.
func (o *Orchestrator) List(userID string) []Request {
	o.mu.Lock()
	out := make([]Request, 0)
	for _, e := range o.items {
		if e.req.UserID == userID {
			out = append(out, e.req)
		}
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Wait blocks until the request is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Request, error) {
	o.mu.Lock()
	e, err := o.lookupLocked(id)
	o.mu.Unlock()
	if err != nil {
		return Request{}, err
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.req, nil
}

// Sweep cancels lapsed pending requests and forgets terminal requests past retention.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	now := o.now()
	var expired []Request
	removed := 0

	o.mu.Lock()
	for id, e := range o.items {
		if o.expireLocked(e) {
			expired = append(expired, e.req)
			continue
		}
		if e.req.Status.Terminal() && now.Sub(e.req.UpdatedAt) >= o.retention {
			delete(o.items, id)
			removed++
		}
	}
	o.mu.Unlock()

	for _, req := range expired {
		if ctx.Err() != nil {
			break
		}
		o.emit(req, nil)
	}
	if len(expired) > 0 || removed > 0 {
		o.log.Info("handoff.sweep", "expired", len(expired), "removed", removed)
	}
	return len(expired) + removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
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
			o.Sweep(ctx)
		}
	}
}

// Close aborts running transfers and waits for them to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, e := range o.items {
		if e.cancel != nil {
			e.cancel()
		}
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) transfer(ctx context.Context, cancel context.CancelFunc, req Request, target state.Subscriber) {
	defer o.wg.Done()
	defer cancel()

	id := req.ID

	ctx, span := o.tracer.Start(ctx, "handoff.transfer", trace.WithAttributes(
		attribute.String("handoff.id", id),
		attribute.String("session.id", req.SessionID),
		attribute.String("device.source", req.SourceDeviceID),
		attribute.String("device.target", target.DeviceID()),
	))
	defer span.End()

	fail := func(reason string, err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		if o.finish(id, StatusFailed, reason, target) {
			o.log.Warn("handoff.transfer.fail", "handoff_id", id, "reason", reason, "err", err)
		}
	}

	steps := []struct {
		progress int
		run      func() error
	}{
		{progress: 25, run: func() error {
			_, err := o.reg.Snapshot(ctx, req.SessionID)
			return err
		}},
		{progress: 50, run: func() error {
			_, err := o.reg.AttachWithSnapshot(ctx, req.SessionID, target)
			return err
		}},
		{progress: 75, run: func() error {
			if got, ok := o.reg.SessionOf(target.ConnID()); !ok || got != req.SessionID {
				return state.ErrDetached
			}
			return nil
		}},
	}

	for _, step := range steps {
		if err := o.pause(ctx); err != nil {
			if o.status(id) == StatusInProgress {
				fail("timeout", err)
			}
			return
		}
		if err := step.run(); err != nil {
			fail(failureReason(err), err)
			return
		}
		if !o.advance(id, step.progress, target) {
			span.AddEvent("handoff.stopped")
			return
		}
	}

	if o.finish(id, StatusCompleted, "", target) {
		o.log.Info("handoff.complete", "handoff_id", id, "session_id", req.SessionID, "conn_id", target.ConnID())
	}
}

func (o *Orchestrator) pause(ctx context.Context) error {
	if o.stepDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(o.stepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, state.ErrDetached), errors.Is(err, state.ErrUndeliverable):
		return "target unavailable"
	case errors.Is(err, state.ErrNotFound):
		return "session gone"
	case errors.Is(err, state.ErrBackend):
		return "backend failure"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transfer failed"
	}
}

func (o *Orchestrator) status(id string) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e := o.items[id]; e != nil {
		return e.req.Status
	}
	return ""
}

// advance records progress on an in-progress request; false means it was stopped meanwhile.
func (o *Orchestrator) advance(id string, progress int, target state.Subscriber) bool {
	o.mu.Lock()
	e := o.items[id]
	if e == nil || e.req.Status != StatusInProgress {
		o.mu.Unlock()
		return false
	}
	e.req.Progress = progress
	e.req.UpdatedAt = o.now()
	req := e.req
	o.mu.Unlock()

	o.emit(req, target)
	return true
}

func (o *Orchestrator) finish(id string, status Status, reason string, target state.Subscriber) bool {
	o.mu.Lock()
	e := o.items[id]
	if e == nil || !canTransition(e.req.Status, status) {
		o.mu.Unlock()
		return false
	}
	progress := e.req.Progress
	if status == StatusCompleted {
		progress = 100
	}
	o.transitionLocked(e, status, progress, reason)
	req := e.req
	o.mu.Unlock()

	o.emit(req, target)
	return true
}

func (o *Orchestrator) lookupLocked(id string) (*entry, error) {
	e := o.items[strings.TrimSpace(id)]
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// expireLocked cancels a pending request whose window lapsed and reports whether it did.
func (o *Orchestrator) expireLocked(e *entry) bool {
	if e.req.Status != StatusPending || o.now().Before(e.req.ExpiresAt) {
		return false
	}
	o.transitionLocked(e, StatusCancelled, e.req.Progress, ReasonExpired)
	return true
}

func (o *Orchestrator) transitionLocked(e *entry, to Status, progress int, reason string) {
	if !canTransition(e.req.Status, to) {
		return
	}
	now := o.now()
	e.req.Status = to
	e.req.Progress = progress
	e.req.Reason = reason
	e.req.UpdatedAt = now
	if to.Terminal() {
		e.req.CompletedAt = &now
		if e.cancel != nil {
			e.cancel()
		}
		close(e.done)
	}
	o.observer.HandoffTransition(string(to))
}

// emit sends a handoff_progress envelope to the source device, the target device and the
// accepting connection when known.
func (o *Orchestrator) emit(req Request, target state.Subscriber) {
	env, err := v1.NewEnvelope(v1.HandoffProgressPayload{
		HandoffID: req.ID,
		SessionID: req.SessionID,
		Status:    string(req.Status),
		Progress:  req.Progress,
		Reason:    req.Reason,
	}, o.now())
	if err != nil {
		o.log.Error("handoff.emit.encode_fail", "handoff_id", req.ID, "err", err)
		return
	}
	env.SessionID = req.SessionID
	env.UserID = req.UserID

	seen := make(map[string]struct{})
	send := func(sub state.Subscriber) {
		if _, ok := seen[sub.ConnID()]; ok {
			return
		}
		seen[sub.ConnID()] = struct{}{}
		if !sub.Deliver(env) {
			o.log.Warn("handoff.emit.drop", "handoff_id", req.ID, "conn_id", sub.ConnID())
		}
	}

	if target != nil {
		send(target)
	}
	for _, sub := range o.reg.DeviceConnections(req.UserID, req.SourceDeviceID) {
		send(sub)
	}
	if req.TargetDeviceID != "" {
		for _, sub := range o.reg.DeviceConnections(req.UserID, req.TargetDeviceID) {
			send(sub)
		}
	}
}
