package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"virthw/internal/logging"
)

// State is a device's lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateRunning       State = "running"
	StateSuspended     State = "suspended"
	StateError         State = "error"
	StateTerminated    State = "terminated"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool { return s == StateTerminated }

// validTransitions encodes the lifecycle table. Transitions are monotone
// except Running<->Suspended; Terminated is absorbing and reachable from
// every non-terminal state via Terminate.
var validTransitions = map[State][]State{
	StateUninitialized: {StateInitializing, StateTerminated},
	StateInitializing:  {StateReady, StateError, StateTerminated},
	StateReady:         {StateRunning, StateError, StateTerminated},
	StateRunning:       {StateSuspended, StateError, StateTerminated},
	StateSuspended:     {StateRunning, StateError, StateTerminated},
	StateError:         {StateTerminated},
	StateTerminated:    {},
}

// Handler is the overridable behavior of a device. Concrete device kinds
// implement it; the run loop invokes it for every dequeued message. Query
// messages are answered by the device itself and never reach the handler.
type Handler interface {
	// OnInitialize runs capability-specific setup. An error leaves the
	// device in the Error state and it is never registered.
	OnInitialize(ctx context.Context) error
	// HandleInference serves an inference request.
	HandleInference(ctx context.Context, req *InferenceRequest) (*InferenceResult, error)
	// HandleCommand serves a command request.
	HandleCommand(ctx context.Context, req *CommandRequest) (*CommandResult, error)
}

// Instance is the handle other subsystems hold on a device. The
// orchestrator's registry is the sole owner; everyone else indexes by id.
type Instance interface {
	ID() string
	Kind() Type
	State() State
	Initialize(ctx context.Context) bool
	Start() error
	Suspend()
	Resume()
	Terminate(ctx context.Context) error
	Send(ctx context.Context, msg Message) (*Response, error)
	Caps() Capabilities
	MetricsSnapshot() Metrics
	Status() StatusSnapshot
}

// StatusSnapshot is the plain status record exposed through query messages
// and direct accessors.
type StatusSnapshot struct {
	ID            string
	Type          Type
	State         State
	UptimeSeconds float64
	CreatedAt     time.Time
	Metadata      map[string]string
}

// Config assembles a device. Zero-value durations and sizes fall back to
// the package defaults.
type Config struct {
	ID           string
	Type         Type
	Capabilities Capabilities
	Metadata     map[string]string
	Handler      Handler

	QueueSize       int           // inbound mailbox capacity (default 256)
	IdleTick        time.Duration // run loop idle wakeup (default 1s)
	ResponseTimeout time.Duration // caller-side correlation timeout (default 30s)

	OnStateChange func(State)
	OnError       func(error)
}

const (
	defaultQueueSize       = 256
	defaultIdleTick        = time.Second
	defaultResponseTimeout = 30 * time.Second

	// terminateGrace bounds how long Terminate waits for the run loop on
	// top of the idle tick it may be blocked in.
	terminateGrace = 500 * time.Millisecond
)

// Device is the base simulated compute unit. It owns its state machine,
// inbound queue, metrics, and the background run loop that serves them.
type Device struct {
	id       string
	devType  Type
	caps     Capabilities
	metadata map[string]string
	handler  Handler

	idleTick        time.Duration
	responseTimeout time.Duration

	mu        sync.RWMutex
	state     State
	metrics   Metrics
	createdAt time.Time
	startedAt time.Time
	started   bool

	mailbox   chan Message
	pendingMu sync.Mutex
	pending   map[string]chan Response

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	onStateChange func(State)
	onError       func(error)
}

// New builds a device from cfg. The device starts Uninitialized; the caller
// drives Initialize and Start.
func New(cfg Config) *Device {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Type == "" {
		cfg.Type = TypeBareMetal
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = defaultIdleTick
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}

	d := &Device{
		id:              cfg.ID,
		devType:         cfg.Type,
		caps:            DefaultCapabilities().Merge(cfg.Capabilities),
		metadata:        cfg.Metadata,
		handler:         cfg.Handler,
		idleTick:        cfg.IdleTick,
		responseTimeout: cfg.ResponseTimeout,
		state:           StateUninitialized,
		createdAt:       time.Now(),
		mailbox:         make(chan Message, cfg.QueueSize),
		pending:         make(map[string]chan Response),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		onStateChange:   cfg.OnStateChange,
		onError:         cfg.OnError,
	}
	if d.handler == nil {
		d.handler = nopHandler{}
	}
	return d
}

// SetHandler replaces the message handler. Only legal before Initialize;
// concrete device kinds use it to point the base device at themselves.
func (d *Device) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *Device) ID() string { return d.id }

func (d *Device) Kind() Type { return d.devType }

func (d *Device) Caps() Capabilities { return d.caps }

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// transition applies a state change if the lifecycle table allows it.
func (d *Device) transition(to State) bool {
	d.mu.Lock()
	from := d.state
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if allowed {
		d.state = to
	}
	d.mu.Unlock()

	if allowed {
		logging.DeviceDebug("device %s: %s -> %s", d.id, from, to)
		if d.onStateChange != nil {
			d.onStateChange(to)
		}
	}
	return allowed
}

// transitionFrom moves from to to only when the device currently sits in
// from. Compare-and-set under the lock, so callers that must not fire twice
// (Start launching the run loop) cannot race each other.
func (d *Device) transitionFrom(from, to State) bool {
	d.mu.Lock()
	if d.state != from {
		d.mu.Unlock()
		return false
	}
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if allowed {
		d.state = to
	}
	d.mu.Unlock()

	if allowed {
		logging.DeviceDebug("device %s: %s -> %s", d.id, from, to)
		if d.onStateChange != nil {
			d.onStateChange(to)
		}
	}
	return allowed
}

// Initialize runs the handler's setup hook and ends in Ready or Error. It
// never panics through to the caller; a false return means the device is
// unusable and must not be registered.
func (d *Device) Initialize(ctx context.Context) bool {
	if !d.transition(StateInitializing) {
		return false
	}

	err := d.safeInitialize(ctx)
	if err != nil {
		d.transition(StateError)
		d.reportError(err)
		logging.Get(logging.CategoryDevice).Error("device %s: initialization failed: %v", d.id, err)
		return false
	}

	return d.transition(StateReady)
}

func (d *Device) safeInitialize(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialization panic: %v", r)
		}
	}()
	return d.handler.OnInitialize(ctx)
}

// Start transitions Ready -> Running and launches the run loop. It is only
// legal from Ready.
func (d *Device) Start() error {
	if !d.transitionFrom(StateReady, StateRunning) {
		return Errorf(ErrInvalidState, "device %s cannot start from state %s", d.id, d.State())
	}

	d.mu.Lock()
	d.startedAt = time.Now()
	d.started = true
	d.mu.Unlock()

	go d.runLoop()
	logging.Device("device %s: running (%s)", d.id, d.devType)
	return nil
}

// runLoop serves the mailbox until termination. While Suspended it keeps
// ticking for uptime bookkeeping but leaves messages queued. Queued messages
// still present at termination are intentionally left unprocessed.
func (d *Device) runLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.idleTick)
	defer ticker.Stop()

	for {
		// A nil channel never delivers, which parks dequeueing while
		// the device is suspended.
		var mailbox chan Message
		if d.State() == StateRunning {
			mailbox = d.mailbox
		}

		select {
		case <-d.stopCh:
			return
		case msg := <-mailbox:
			d.process(msg)
			d.refresh()
		case <-ticker.C:
			d.refresh()
		}
	}
}

// refresh updates the loop-owned bookkeeping gauges.
func (d *Device) refresh() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.UptimeSeconds = time.Since(d.startedAt).Seconds()
	d.metrics.LastActivity = time.Now()
	if d.metrics.InferenceCount > 0 {
		u := float64(d.metrics.InferenceCount) * 0.5
		if u > 95 {
			u = 95
		}
		d.metrics.CPUUtilization = u
	} else {
		d.metrics.CPUUtilization = 5.0 // idle
	}
}

// process dispatches one message and fulfills its completion handle, if any.
// Handler failures are contained per message: the error counter increments,
// the error hook fires, and the loop keeps serving.
func (d *Device) process(msg Message) {
	resp := d.dispatch(msg)
	if msg.ExpectResponse {
		d.fulfill(msg.ID, resp)
	}
}

func (d *Device) dispatch(msg Message) Response {
	result, err := d.safeDispatch(msg)
	if err != nil {
		d.mu.Lock()
		d.metrics.ErrorCount++
		d.mu.Unlock()
		d.reportError(err)

		de, ok := err.(*Error)
		if !ok {
			de = Errorf(ErrHandlerFailure, "%v", err)
		}
		return errResponse(msg.ID, de)
	}
	return result
}

func (d *Device) safeDispatch(msg Message) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(ErrHandlerFailure, "handler panic: %v", r)
		}
	}()

	ctx := context.Background()
	switch msg.Type {
	case MessageInference:
		if msg.Inference == nil {
			return resp, Errorf(ErrHandlerFailure, "inference message without payload")
		}
		result, herr := d.handler.HandleInference(ctx, msg.Inference)
		if herr != nil {
			return resp, herr
		}
		r := okResponse(msg.ID)
		r.Inference = result
		return r, nil

	case MessageCommand:
		if msg.Command == nil {
			return resp, Errorf(ErrHandlerFailure, "command message without payload")
		}
		result, herr := d.handler.HandleCommand(ctx, msg.Command)
		if herr != nil {
			return resp, herr
		}
		r := okResponse(msg.ID)
		r.Command = result
		return r, nil

	case MessageQuery:
		if msg.Query == nil {
			return resp, Errorf(ErrHandlerFailure, "query message without payload")
		}
		return d.handleQuery(msg.ID, msg.Query)

	default:
		return resp, Errorf(ErrHandlerFailure, "unknown message type: %s", msg.Type)
	}
}

// handleQuery answers introspection queries from the device's own records.
func (d *Device) handleQuery(msgID string, q *QueryRequest) (Response, error) {
	r := okResponse(msgID)
	switch q.Kind {
	case QueryStatus:
		s := d.Status()
		r.Query = &QueryResult{Status: &s}
	case QueryMetrics:
		m := d.MetricsSnapshot()
		r.Query = &QueryResult{Metrics: &m}
	case QueryCapabilities:
		c := d.caps
		r.Query = &QueryResult{Capabilities: &c}
	default:
		return r, Errorf(ErrHandlerFailure, "unknown query kind: %s", q.Kind)
	}
	return r, nil
}

// Send enqueues a message. With ExpectResponse set it registers a
// single-fulfillment completion handle keyed by the message id and blocks
// up to the response timeout; on expiry it removes its own handle, so a
// late response finds nothing to fulfill and is dropped. Without
// ExpectResponse it never blocks beyond the enqueue and allocates nothing.
func (d *Device) Send(ctx context.Context, msg Message) (*Response, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if s := d.State(); s.Terminal() {
		return nil, Errorf(ErrInvalidState, "device %s is terminated", d.id)
	}

	var wait chan Response
	if msg.ExpectResponse {
		wait = make(chan Response, 1)
		d.pendingMu.Lock()
		d.pending[msg.ID] = wait
		d.pendingMu.Unlock()
	}

	select {
	case d.mailbox <- msg:
	default:
		if wait != nil {
			d.removePending(msg.ID)
		}
		return nil, Errorf(ErrQueueFull, "device %s mailbox full", d.id)
	}

	if !msg.ExpectResponse {
		return nil, nil
	}

	timer := time.NewTimer(d.responseTimeout)
	defer timer.Stop()

	select {
	case resp := <-wait:
		return &resp, nil
	case <-ctx.Done():
		d.removePending(msg.ID)
		return nil, ctx.Err()
	case <-timer.C:
		d.removePending(msg.ID)
		return nil, Errorf(ErrTimeout, "no response from device %s within %v", d.id, d.responseTimeout)
	}
}

// fulfill resolves the completion handle for a message id, exactly once.
func (d *Device) fulfill(id string, resp Response) {
	d.pendingMu.Lock()
	ch, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.pendingMu.Unlock()
	if ok {
		ch <- resp // buffered, never blocks
	}
}

func (d *Device) removePending(id string) {
	d.pendingMu.Lock()
	delete(d.pending, id)
	d.pendingMu.Unlock()
}

// Suspend pauses message processing. Only meaningful from Running.
func (d *Device) Suspend() {
	if d.transition(StateSuspended) {
		logging.Device("device %s: suspended", d.id)
	}
}

// Resume continues message processing. Only meaningful from Suspended.
func (d *Device) Resume() {
	if d.transitionFrom(StateSuspended, StateRunning) {
		logging.Device("device %s: resumed", d.id)
	}
}

// Terminate unconditionally moves the device to Terminated and waits,
// bounded, for the run loop to observe the stop signal and exit. Messages
// still queued are left unprocessed.
func (d *Device) Terminate(ctx context.Context) error {
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		return nil
	}
	from := d.state
	d.state = StateTerminated
	wasStarted := d.started
	d.mu.Unlock()

	logging.Device("device %s: terminated (from %s)", d.id, from)
	if d.onStateChange != nil {
		d.onStateChange(StateTerminated)
	}

	d.stopOnce.Do(func() { close(d.stopCh) })

	if !wasStarted {
		return nil
	}

	wait := d.idleTick + terminateGrace
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return Errorf(ErrTimeout, "device %s run loop did not stop within %v", d.id, wait)
	}
}

// MetricsSnapshot returns a copy of the runtime counters with uptime
// recomputed at read time.
func (d *Device) MetricsSnapshot() Metrics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := d.metrics
	if d.started && d.state != StateTerminated {
		m.UptimeSeconds = time.Since(d.startedAt).Seconds()
	}
	return m
}

// Status returns the plain status record.
func (d *Device) Status() StatusSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	uptime := d.metrics.UptimeSeconds
	if d.started && d.state != StateTerminated {
		uptime = time.Since(d.startedAt).Seconds()
	}
	return StatusSnapshot{
		ID:            d.id,
		Type:          d.devType,
		State:         d.state,
		UptimeSeconds: uptime,
		CreatedAt:     d.createdAt,
		Metadata:      d.metadata,
	}
}

// observeInference folds a completed inference into the metrics. Called
// from handlers, which execute on the run loop goroutine.
func (d *Device) observeInference(elapsedMs float64, tokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.observeInference(elapsedMs, tokens)
}

// setMemoryUsed updates the memory gauge.
func (d *Device) setMemoryUsed(mb float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.MemoryUsedMB = mb
}

func (d *Device) reportError(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}

// nopHandler is the default behavior for a bare base device: queries work,
// commands echo, inference is unimplemented.
type nopHandler struct{}

func (nopHandler) OnInitialize(ctx context.Context) error { return nil }

func (nopHandler) HandleInference(ctx context.Context, req *InferenceRequest) (*InferenceResult, error) {
	return nil, Errorf(ErrHandlerFailure, "inference not implemented")
}

func (nopHandler) HandleCommand(ctx context.Context, req *CommandRequest) (*CommandResult, error) {
	return &CommandResult{Name: req.Name, Detail: "ok"}, nil
}
