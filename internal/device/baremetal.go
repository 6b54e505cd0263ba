package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"virthw/internal/logging"
)

// Boot stages, in order.
const (
	BootStageUninitialized = "uninitialized"
	BootStageFirmware      = "firmware_boot"
	BootStageCPUMemory     = "cpu_memory_init"
	BootStageStorage       = "storage_init"
	BootStageCompute       = "compute_init"
	BootStageModelLoad     = "model_load"
)

// RuntimeState records how far the simulated bare-metal boot has progressed
// and what the runtime looks like afterwards.
type RuntimeState struct {
	BootStage          string
	CPUsOnline         int
	MemoryAllocatedMB  int
	StorageInitialized bool
	ModelLoaded        bool
	InferenceReady     bool
	ModelInfo          *ModelInfo
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	Path          string
	SizeGB        int
	ContextLength int
	VocabSize     int
	Layers        int
}

// ComputeConfig is the tunable inference engine configuration. Updated
// through the update_compute_config command.
type ComputeConfig struct {
	Threads        int
	AcceleratorMix int // offloaded layers; zero for pure CPU
	UseMmap        bool
	LockPages      bool
	ContextSize    int
	BatchSize      int
}

// InferenceRecord is one entry of the bounded inference history.
type InferenceRecord struct {
	Timestamp       time.Time
	PromptLength    int
	MaxTokens       int
	ElapsedMs       float64
	TokensPerSecond float64
}

const inferenceHistoryCap = 100

// BareMetalConfig assembles a BareMetal device on top of the base Config.
type BareMetalConfig struct {
	ID        string
	CPUCores  int
	MemoryGB  int
	ModelPath string
	Metadata  map[string]string

	// Capabilities overrides are merged onto the bare-metal profile.
	Capabilities Capabilities

	// PerTokenCost is the simulated per-token generation time before core
	// parallelism is divided out. Zero means 1ms.
	PerTokenCost time.Duration

	QueueSize       int
	IdleTick        time.Duration
	ResponseTimeout time.Duration
	OnStateChange   func(State)
	OnError         func(error)
}

// BareMetal is the concrete simulated compute unit: a firmware-booted
// runtime with a staged initialization sequence, a driver layer, and an
// inference engine with a simple parallel latency model.
type BareMetal struct {
	*Device

	perTokenCost time.Duration

	rtMu      sync.RWMutex
	runtime   RuntimeState
	modelPath string
	cfg       ComputeConfig
	history   []InferenceRecord

	boot    *BootLoader
	alloc   *MemoryAllocator
	cpus    *CPUManager
	storage *StorageDriver
	backend *ComputeBackend
}

// NewBareMetal builds the device in the Uninitialized state. The boot
// sequence runs inside Initialize.
func NewBareMetal(cfg BareMetalConfig) *BareMetal {
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = 64
	}
	if cfg.MemoryGB <= 0 {
		cfg.MemoryGB = 128
	}
	if cfg.PerTokenCost <= 0 {
		cfg.PerTokenCost = time.Millisecond
	}

	caps := Capabilities{
		CPUCores:                  cfg.CPUCores,
		MemoryMB:                  cfg.MemoryGB * 1024,
		StorageGB:                 1000,
		ComputeEnabled:            true,
		AVX512Support:             true,
		MaxContextLength:          32768,
		SupportsParallelInference: true,
		SupportsRedTeaming:        true,
		Custom: map[string]interface{}{
			"bare_metal":          true,
			"firmware_boot":       true,
			"storage_driver":      true,
			"multi_cpu_inference": true,
		},
	}
	caps = caps.Merge(cfg.Capabilities)

	bm := &BareMetal{
		perTokenCost: cfg.PerTokenCost,
		modelPath:    cfg.ModelPath,
		runtime:      RuntimeState{BootStage: BootStageUninitialized},
		cfg: ComputeConfig{
			Threads:     cfg.CPUCores,
			UseMmap:     false,
			LockPages:   true,
			ContextSize: 32768,
			BatchSize:   512,
		},
	}
	bm.Device = New(Config{
		ID:              cfg.ID,
		Type:            TypeBareMetal,
		Capabilities:    caps,
		Metadata:        cfg.Metadata,
		Handler:         bm,
		QueueSize:       cfg.QueueSize,
		IdleTick:        cfg.IdleTick,
		ResponseTimeout: cfg.ResponseTimeout,
		OnStateChange:   cfg.OnStateChange,
		OnError:         cfg.OnError,
	})
	return bm
}

// OnInitialize runs the staged boot sequence. Any stage error leaves the
// device in the Error state via the base lifecycle.
func (bm *BareMetal) OnInitialize(ctx context.Context) error {
	if err := bm.stageFirmware(ctx); err != nil {
		return err
	}
	if err := bm.stageCPUMemory(ctx); err != nil {
		return err
	}
	if err := bm.stageStorage(ctx); err != nil {
		return err
	}
	if err := bm.stageCompute(ctx); err != nil {
		return err
	}
	if bm.modelPath != "" {
		if err := bm.stageModelLoad(ctx); err != nil {
			return err
		}
	}

	bm.rtMu.Lock()
	bm.runtime.InferenceReady = true
	bm.rtMu.Unlock()
	logging.Boot("device %s: boot complete, inference ready", bm.ID())
	return nil
}

func (bm *BareMetal) setStage(stage string) {
	bm.rtMu.Lock()
	bm.runtime.BootStage = stage
	bm.rtMu.Unlock()
	logging.BootDebug("device %s: boot stage %s", bm.ID(), stage)
}

func (bm *BareMetal) stageFirmware(ctx context.Context) error {
	bm.setStage(BootStageFirmware)
	if err := ctx.Err(); err != nil {
		return err
	}

	bm.boot = NewBootLoader(bm.Caps().MemoryMB)
	bm.boot.Initialize()
	bm.boot.ExitBootServices()
	return nil
}

func (bm *BareMetal) stageCPUMemory(ctx context.Context) error {
	bm.setStage(BootStageCPUMemory)
	if err := ctx.Err(); err != nil {
		return err
	}

	bm.cpus = NewCPUManager()
	online := bm.cpus.Initialize(bm.Caps().CPUCores)

	region, ok := bm.boot.ModelRegion()
	if !ok {
		return Errorf(ErrInitializationFailed, "firmware memory map has no model region")
	}
	bm.alloc = NewMemoryAllocator(region.BaseAddress, region.SizeBytes)

	// Initial runtime heap allocation.
	if _, ok := bm.alloc.Allocate(256*1024*1024, 0); !ok {
		return Errorf(ErrInitializationFailed, "runtime heap allocation failed")
	}

	bm.rtMu.Lock()
	bm.runtime.CPUsOnline = online
	bm.runtime.MemoryAllocatedMB = 256
	bm.rtMu.Unlock()
	bm.setMemoryUsed(256)
	return nil
}

func (bm *BareMetal) stageStorage(ctx context.Context) error {
	bm.setStage(BootStageStorage)
	if err := ctx.Err(); err != nil {
		return err
	}

	bm.storage = NewStorageDriver()
	bm.storage.Initialize()

	bm.rtMu.Lock()
	bm.runtime.StorageInitialized = true
	bm.rtMu.Unlock()
	return nil
}

func (bm *BareMetal) stageCompute(ctx context.Context) error {
	bm.setStage(BootStageCompute)
	if err := ctx.Err(); err != nil {
		return err
	}

	bm.backend = NewComputeBackend(bm.cfg.Threads, bm.Caps().MemoryMB-512, bm.cfg.ContextSize)
	return nil
}

// stageModelLoad copies the model from storage into the model region. It is
// the only stage that can be re-run after boot (reload_model).
func (bm *BareMetal) stageModelLoad(ctx context.Context) error {
	bm.setStage(BootStageModelLoad)
	if err := ctx.Err(); err != nil {
		return err
	}

	const modelSizeGB = 70
	if err := bm.storage.Read(uint64(bm.storage.ModelOffsetGB)<<30, modelSizeGB<<30); err != nil {
		return Errorf(ErrInitializationFailed, "model read failed: %v", err)
	}

	bm.rtMu.Lock()
	bm.runtime.ModelLoaded = true
	bm.runtime.MemoryAllocatedMB = modelSizeGB * 1024
	bm.runtime.ModelInfo = &ModelInfo{
		Path:          bm.modelPath,
		SizeGB:        modelSizeGB,
		ContextLength: bm.cfg.ContextSize,
		VocabSize:     32000,
		Layers:        80,
	}
	bm.rtMu.Unlock()
	bm.setMemoryUsed(modelSizeGB * 1024)
	return nil
}

// RuntimeSnapshot returns a copy of the runtime state.
func (bm *BareMetal) RuntimeSnapshot() RuntimeState {
	bm.rtMu.RLock()
	defer bm.rtMu.RUnlock()
	rt := bm.runtime
	if rt.ModelInfo != nil {
		info := *rt.ModelInfo
		rt.ModelInfo = &info
	}
	return rt
}

// ModelLoaded reports whether the model-load stage has completed.
func (bm *BareMetal) ModelLoaded() bool {
	bm.rtMu.RLock()
	defer bm.rtMu.RUnlock()
	return bm.runtime.ModelLoaded
}

// HandleInference runs a simulated generation. Latency scales with
// maxTokens divided across the online cores.
func (bm *BareMetal) HandleInference(ctx context.Context, req *InferenceRequest) (*InferenceResult, error) {
	if !bm.ModelLoaded() {
		return nil, Errorf(ErrInvalidState, "model not loaded")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	cores := bm.Caps().CPUCores
	start := time.Now()
	cost := time.Duration(float64(bm.perTokenCost) * float64(maxTokens) / float64(cores))
	timer := time.NewTimer(cost)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	}
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	bm.observeInference(elapsedMs, maxTokens)
	m := bm.MetricsSnapshot()

	tps := 0.0
	if elapsedMs > 0 {
		tps = float64(maxTokens) / (elapsedMs / 1000)
	}

	bm.rtMu.Lock()
	bm.history = append(bm.history, InferenceRecord{
		Timestamp:       start,
		PromptLength:    len(req.Prompt),
		MaxTokens:       maxTokens,
		ElapsedMs:       elapsedMs,
		TokensPerSecond: tps,
	})
	if len(bm.history) > inferenceHistoryCap {
		bm.history = bm.history[len(bm.history)-inferenceHistoryCap:]
	}
	bm.rtMu.Unlock()

	return &InferenceResult{
		Output:          fmt.Sprintf("[inference] processed %d tokens", maxTokens),
		ElapsedMs:       elapsedMs,
		TokensPerSecond: tps,
		CoresUsed:       cores,
		MemoryUsedMB:    m.MemoryUsedMB,
		AttentionValue:  bm.attentionValue(),
	}, nil
}

// attentionValue is an available-attention gauge derived from load: a fresh
// device sits near 100 and sustained inference drains it toward zero.
func (bm *BareMetal) attentionValue() float64 {
	m := bm.MetricsSnapshot()
	v := 100 - float64(m.InferenceCount)*2 - m.CPUUtilization*0.5
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v
}

// HandleCommand serves the device command set.
func (bm *BareMetal) HandleCommand(ctx context.Context, req *CommandRequest) (*CommandResult, error) {
	switch req.Name {
	case "reload_model":
		if path, ok := req.Args["model_path"].(string); ok && path != "" {
			bm.rtMu.Lock()
			bm.modelPath = path
			bm.rtMu.Unlock()
		}
		if err := bm.stageModelLoad(ctx); err != nil {
			return nil, err
		}
		return &CommandResult{Name: req.Name, Detail: "model reloaded"}, nil

	case "runtime_state":
		rt := bm.RuntimeSnapshot()
		data := map[string]interface{}{
			"boot_stage":          rt.BootStage,
			"cpus_online":         rt.CPUsOnline,
			"memory_allocated_mb": rt.MemoryAllocatedMB,
			"storage_initialized": rt.StorageInitialized,
			"model_loaded":        rt.ModelLoaded,
			"inference_ready":     rt.InferenceReady,
		}
		if rt.ModelInfo != nil {
			data["model_path"] = rt.ModelInfo.Path
			data["model_size_gb"] = rt.ModelInfo.SizeGB
		}
		return &CommandResult{Name: req.Name, Data: data}, nil

	case "compute_config":
		bm.rtMu.RLock()
		cfg := bm.cfg
		bm.rtMu.RUnlock()
		return &CommandResult{Name: req.Name, Data: computeConfigData(cfg)}, nil

	case "update_compute_config":
		bm.rtMu.Lock()
		if v, ok := req.Args["threads"].(int); ok && v > 0 {
			bm.cfg.Threads = v
		}
		if v, ok := req.Args["context_size"].(int); ok && v > 0 {
			bm.cfg.ContextSize = v
		}
		if v, ok := req.Args["batch_size"].(int); ok && v > 0 {
			bm.cfg.BatchSize = v
		}
		if v, ok := req.Args["use_mmap"].(bool); ok {
			bm.cfg.UseMmap = v
		}
		if v, ok := req.Args["lock_pages"].(bool); ok {
			bm.cfg.LockPages = v
		}
		cfg := bm.cfg
		bm.rtMu.Unlock()
		return &CommandResult{Name: req.Name, Detail: "compute config updated", Data: computeConfigData(cfg)}, nil

	case "inference_history":
		bm.rtMu.RLock()
		recent := bm.history
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		entries := make([]interface{}, 0, len(recent))
		for _, rec := range recent {
			entries = append(entries, map[string]interface{}{
				"timestamp":         rec.Timestamp,
				"prompt_length":     rec.PromptLength,
				"max_tokens":        rec.MaxTokens,
				"elapsed_ms":        rec.ElapsedMs,
				"tokens_per_second": rec.TokensPerSecond,
			})
		}
		bm.rtMu.RUnlock()
		return &CommandResult{Name: req.Name, Data: map[string]interface{}{"history": entries}}, nil

	default:
		return nil, Errorf(ErrHandlerFailure, "unknown command: %s", req.Name)
	}
}

func computeConfigData(cfg ComputeConfig) map[string]interface{} {
	return map[string]interface{}{
		"threads":         cfg.Threads,
		"accelerator_mix": cfg.AcceleratorMix,
		"use_mmap":        cfg.UseMmap,
		"lock_pages":      cfg.LockPages,
		"context_size":    cfg.ContextSize,
		"batch_size":      cfg.BatchSize,
	}
}

