// Package orchestrator owns the device registry: it spawns devices through
// registered constructors, routes messages to them, fans work out across
// them, and is the single place a device can be removed from service.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"virthw/internal/device"
	"virthw/internal/logging"
)

// SpawnOptions parameterizes a device constructor.
type SpawnOptions struct {
	ID           string
	CPUCores     int
	MemoryGB     int
	ModelPath    string
	Metadata     map[string]string
	Capabilities device.Capabilities // merged onto the constructor's defaults
}

// Constructor builds an uninitialized device from options.
type Constructor func(opts SpawnOptions) device.Instance

// Hooks are optional lifecycle callbacks. They run synchronously on the
// calling goroutine.
type Hooks struct {
	OnDeviceCreated    func(device.Instance)
	OnDeviceTerminated func(device.Instance)
}

// Orchestrator manages a fleet of devices. It is an injected dependency;
// callers construct one and pass it down, there is no package-level
// instance.
type Orchestrator struct {
	mu           sync.RWMutex
	devices      map[string]device.Instance
	constructors map[device.Type]Constructor

	totalCreated    int64
	totalInferences int64
	startTime       time.Time

	hooks Hooks
}

// New builds an orchestrator with the bare-metal constructor registered.
func New(hooks Hooks) *Orchestrator {
	o := &Orchestrator{
		devices:      make(map[string]device.Instance),
		constructors: make(map[device.Type]Constructor),
		startTime:    time.Now(),
		hooks:        hooks,
	}
	o.RegisterType(device.TypeBareMetal, func(opts SpawnOptions) device.Instance {
		return device.NewBareMetal(device.BareMetalConfig{
			ID:           opts.ID,
			CPUCores:     opts.CPUCores,
			MemoryGB:     opts.MemoryGB,
			ModelPath:    opts.ModelPath,
			Metadata:     opts.Metadata,
			Capabilities: opts.Capabilities,
		})
	})
	return o
}

// RegisterType adds or replaces the constructor for a device type.
func (o *Orchestrator) RegisterType(t device.Type, c Constructor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.constructors[t] = c
}

// Spawn constructs, initializes, registers, and starts a device. A device
// that fails initialization is never registered and never observable
// through the orchestrator.
func (o *Orchestrator) Spawn(ctx context.Context, t device.Type, opts SpawnOptions) (device.Instance, error) {
	o.mu.RLock()
	ctor, ok := o.constructors[t]
	o.mu.RUnlock()
	if !ok {
		return nil, device.Errorf(device.ErrNotFound, "unknown device type: %s", t)
	}

	d := ctor(opts)
	if !d.Initialize(ctx) {
		return nil, device.Errorf(device.ErrInitializationFailed, "device %s (%s) failed to initialize", d.ID(), t)
	}

	o.mu.Lock()
	o.devices[d.ID()] = d
	o.totalCreated++
	o.mu.Unlock()

	if err := d.Start(); err != nil {
		// Registered but unable to run; pull it back out.
		o.mu.Lock()
		delete(o.devices, d.ID())
		o.mu.Unlock()
		_ = d.Terminate(ctx)
		return nil, err
	}

	logging.Orchestrator("spawned device %s (%s)", d.ID(), t)
	if o.hooks.OnDeviceCreated != nil {
		o.hooks.OnDeviceCreated(d)
	}
	return d, nil
}

// Terminate is the sole removal path. The device is terminated
// unconditionally and dropped from the registry.
func (o *Orchestrator) Terminate(ctx context.Context, id string) error {
	o.mu.Lock()
	d, ok := o.devices[id]
	if ok {
		delete(o.devices, id)
	}
	o.mu.Unlock()

	if !ok {
		return device.Errorf(device.ErrNotFound, "device not found: %s", id)
	}

	err := d.Terminate(ctx)
	logging.Orchestrator("terminated device %s", id)
	if o.hooks.OnDeviceTerminated != nil {
		o.hooks.OnDeviceTerminated(d)
	}
	return err
}

// SendToDevice routes one message to a registered device.
func (o *Orchestrator) SendToDevice(ctx context.Context, id string, msg device.Message) (*device.Response, error) {
	d, ok := o.Get(id)
	if !ok {
		return nil, device.Errorf(device.ErrNotFound, "device not found: %s", id)
	}
	return d.Send(ctx, msg)
}

// Outcome is one device's result of a fan-out operation. Exactly one of
// Response/Err is meaningful.
type Outcome struct {
	Response *device.Response
	Err      error
}

// Broadcast sends a copy of msg to every device, or to every device of
// typeFilter when non-empty, concurrently. Every outcome is kept,
// failures included.
func (o *Orchestrator) Broadcast(ctx context.Context, msg device.Message, typeFilter device.Type) map[string]Outcome {
	o.mu.RLock()
	targets := make([]device.Instance, 0, len(o.devices))
	for _, d := range o.devices {
		if typeFilter == "" || d.Kind() == typeFilter {
			targets = append(targets, d)
		}
	}
	o.mu.RUnlock()

	results := make(map[string]Outcome, len(targets))
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for _, d := range targets {
		wg.Add(1)
		go func(d device.Instance) {
			defer wg.Done()
			m := msg
			m.ID = "" // each device gets its own correlation id
			resp, err := d.Send(ctx, m)
			resMu.Lock()
			results[d.ID()] = Outcome{Response: resp, Err: err}
			resMu.Unlock()
		}(d)
	}
	wg.Wait()
	return results
}

// InferenceParams tune a fan-out inference.
type InferenceParams struct {
	MaxTokens   int
	Temperature float64
}

// InferenceReport aggregates a ParallelInference run.
type InferenceReport struct {
	DeviceCount int
	Responses   map[string]*device.Response
	Failures    map[string]error
	ElapsedMs   float64
}

// ParallelInference runs the same prompt on several devices at once. With
// nil deviceIDs it targets every running device. One device failing never
// aborts the others; its error is captured in the report.
func (o *Orchestrator) ParallelInference(ctx context.Context, prompt string, deviceIDs []string, params InferenceParams) (*InferenceReport, error) {
	if deviceIDs == nil {
		o.mu.RLock()
		for id, d := range o.devices {
			if d.State() == device.StateRunning {
				deviceIDs = append(deviceIDs, id)
			}
		}
		o.mu.RUnlock()
		sort.Strings(deviceIDs)
	}
	if len(deviceIDs) == 0 {
		return nil, device.Errorf(device.ErrNotFound, "no devices available for inference")
	}

	if params.MaxTokens <= 0 {
		params.MaxTokens = 512
	}

	report := &InferenceReport{
		DeviceCount: len(deviceIDs),
		Responses:   make(map[string]*device.Response, len(deviceIDs)),
		Failures:    make(map[string]error),
	}
	var resMu sync.Mutex

	start := time.Now()
	g := new(errgroup.Group)
	for _, id := range deviceIDs {
		id := id
		g.Go(func() error {
			msg := device.NewInference(prompt, params.MaxTokens)
			if params.Temperature > 0 {
				msg.Inference.Temperature = params.Temperature
			}
			resp, err := o.SendToDevice(ctx, id, msg)
			resMu.Lock()
			if err != nil {
				report.Failures[id] = err
			} else {
				report.Responses[id] = resp
			}
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	report.ElapsedMs = float64(time.Since(start)) / float64(time.Millisecond)

	// Only inferences that actually produced a response count.
	o.mu.Lock()
	o.totalInferences += int64(len(report.Responses))
	o.mu.Unlock()

	return report, nil
}

// ShutdownAll terminates every device concurrently, best effort, and
// clears the registry regardless of individual terminate outcomes.
func (o *Orchestrator) ShutdownAll(ctx context.Context) {
	o.mu.Lock()
	targets := make([]device.Instance, 0, len(o.devices))
	for _, d := range o.devices {
		targets = append(targets, d)
	}
	o.devices = make(map[string]device.Instance)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range targets {
		wg.Add(1)
		go func(d device.Instance) {
			defer wg.Done()
			if err := d.Terminate(ctx); err != nil {
				logging.Orchestrator("shutdown: device %s: %v", d.ID(), err)
			}
		}(d)
	}
	wg.Wait()
	logging.Orchestrator("shutdown complete, %d devices terminated", len(targets))
}

// Get returns a registered device.
func (o *Orchestrator) Get(id string) (device.Instance, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.devices[id]
	return d, ok
}

// DevicesByType lists registered devices of one type.
func (o *Orchestrator) DevicesByType(t device.Type) []device.Instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []device.Instance
	for _, d := range o.devices {
		if d.Kind() == t {
			out = append(out, d)
		}
	}
	return out
}

// All lists every registered device.
func (o *Orchestrator) All() []device.Instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]device.Instance, 0, len(o.devices))
	for _, d := range o.devices {
		out = append(out, d)
	}
	return out
}

// AllMetrics snapshots every device's metrics, keyed by device id.
func (o *Orchestrator) AllMetrics() map[string]device.Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]device.Metrics, len(o.devices))
	for id, d := range o.devices {
		out[id] = d.MetricsSnapshot()
	}
	return out
}

// Status is the orchestrator-level aggregate view.
type Status struct {
	UptimeSeconds   float64
	TotalDevices    int
	TotalCreated    int64
	TotalInferences int64
	DevicesByType   map[device.Type]int
	DevicesByState  map[device.State]int
	RegisteredTypes []device.Type
}

func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Status{
		UptimeSeconds:   time.Since(o.startTime).Seconds(),
		TotalDevices:    len(o.devices),
		TotalCreated:    o.totalCreated,
		TotalInferences: o.totalInferences,
		DevicesByType:   make(map[device.Type]int),
		DevicesByState:  make(map[device.State]int),
	}
	for _, d := range o.devices {
		s.DevicesByType[d.Kind()]++
		s.DevicesByState[d.State()]++
	}
	for t := range o.constructors {
		s.RegisteredTypes = append(s.RegisteredTypes, t)
	}
	sort.Slice(s.RegisteredTypes, func(i, j int) bool { return s.RegisteredTypes[i] < s.RegisteredTypes[j] })
	return s
}
