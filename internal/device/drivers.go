package device

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// The driver layer simulates the bare-metal runtime underneath a
// BareMetal device: firmware handoff, memory bring-up, CPU bring-up,
// block storage, and the compute backend that serves inference.

// MemoryRegion is one entry of the firmware memory map.
type MemoryRegion struct {
	BaseAddress uint64
	SizeBytes   uint64
	RegionType  string // reserved, conventional, model
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("MemoryRegion(0x%016x, %dMB, %s)", r.BaseAddress, r.SizeBytes/(1024*1024), r.RegionType)
}

// BootLoader simulates the firmware stage that hands the runtime control:
// it builds the memory map and exits boot services.
type BootLoader struct {
	TotalMemoryMB int

	memoryMap    []MemoryRegion
	servicesDone bool
}

func NewBootLoader(totalMemoryMB int) *BootLoader {
	if totalMemoryMB <= 0 {
		totalMemoryMB = 128 * 1024
	}
	return &BootLoader{TotalMemoryMB: totalMemoryMB}
}

// Initialize builds the firmware memory map: reserved low memory, a
// conventional region up to 4GB, and everything above 4GB dedicated to
// the model.
func (b *BootLoader) Initialize() []MemoryRegion {
	const fourGB = 4 * 1024 * 1024 * 1024

	b.memoryMap = []MemoryRegion{
		{BaseAddress: 0x0, SizeBytes: 1 * 1024 * 1024, RegionType: "reserved"},
		{BaseAddress: 0x100000, SizeBytes: fourGB - 0x100000, RegionType: "conventional"},
	}

	modelMB := b.TotalMemoryMB - 4096
	if modelMB > 0 {
		b.memoryMap = append(b.memoryMap, MemoryRegion{
			BaseAddress: fourGB,
			SizeBytes:   uint64(modelMB) * 1024 * 1024,
			RegionType:  "model",
		})
	}

	return b.MemoryMap()
}

// ExitBootServices marks the point of no return. Idempotent.
func (b *BootLoader) ExitBootServices() { b.servicesDone = true }

func (b *BootLoader) BootServicesExited() bool { return b.servicesDone }

func (b *BootLoader) MemoryMap() []MemoryRegion {
	out := make([]MemoryRegion, len(b.memoryMap))
	copy(out, b.memoryMap)
	return out
}

// ModelRegion returns the model memory region, if the map has one.
func (b *BootLoader) ModelRegion() (MemoryRegion, bool) {
	for _, r := range b.memoryMap {
		if r.RegionType == "model" {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

// MemoryAllocator is a cache-line-aligned bump allocator over a single
// heap region. Free is a no-op; the heap only grows.
type MemoryAllocator struct {
	mu sync.Mutex

	heapBase    uint64
	heapSize    uint64
	heapCurrent uint64
	heapEnd     uint64

	allocations map[uint64]uint64 // address -> size
	totalBytes  uint64
}

func NewMemoryAllocator(heapBase, heapSize uint64) *MemoryAllocator {
	return &MemoryAllocator{
		heapBase:    heapBase,
		heapSize:    heapSize,
		heapCurrent: heapBase,
		heapEnd:     heapBase + heapSize,
		allocations: make(map[uint64]uint64),
	}
}

// Allocate returns an aligned address or false when the heap is exhausted.
// Alignment defaults to a 64-byte cache line.
func (m *MemoryAllocator) Allocate(sizeBytes uint64, alignment uint64) (uint64, bool) {
	if alignment == 0 {
		alignment = 64
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sizeBytes = (sizeBytes + alignment - 1) &^ (alignment - 1)
	current := (m.heapCurrent + alignment - 1) &^ (alignment - 1)

	if current+sizeBytes > m.heapEnd {
		return 0, false
	}

	m.heapCurrent = current + sizeBytes
	m.allocations[current] = sizeBytes
	m.totalBytes += sizeBytes
	return current, true
}

// Free is a no-op for the bump allocator.
func (m *MemoryAllocator) Free(address uint64) {}

// AllocatorStats is a point-in-time view of the heap.
type AllocatorStats struct {
	HeapBase        uint64
	HeapSizeMB      uint64
	AllocatedMB     uint64
	FreeMB          uint64
	Utilization     float64 // percent
	AllocationCount int
}

func (m *MemoryAllocator) Stats() AllocatorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := AllocatorStats{
		HeapBase:        m.heapBase,
		HeapSizeMB:      m.heapSize / (1024 * 1024),
		AllocatedMB:     m.totalBytes / (1024 * 1024),
		FreeMB:          (m.heapSize - m.totalBytes) / (1024 * 1024),
		AllocationCount: len(m.allocations),
	}
	if m.heapSize > 0 {
		s.Utilization = float64(m.totalBytes) / float64(m.heapSize) * 100
	}
	return s
}

// CPUCore tracks one simulated core.
type CPUCore struct {
	APICID      int
	CoreID      int
	Online      bool
	Utilization float64
}

func (c CPUCore) String() string {
	status := "offline"
	if c.Online {
		status = "online"
	}
	return fmt.Sprintf("CPU%d(APIC:%d, %s, %.1f%%)", c.CoreID, c.APICID, status, c.Utilization)
}

// CPUManager brings cores online and distributes parallel work across them.
type CPUManager struct {
	mu    sync.Mutex
	cores []CPUCore
}

func NewCPUManager() *CPUManager { return &CPUManager{} }

// Initialize brings the bootstrap core online, then wakes the remaining
// application cores.
func (c *CPUManager) Initialize(targetCores int) int {
	if targetCores < 1 {
		targetCores = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cores = c.cores[:0]
	for i := 0; i < targetCores; i++ {
		c.cores = append(c.cores, CPUCore{APICID: i, CoreID: i, Online: true})
	}
	return len(c.cores)
}

func (c *CPUManager) OnlineCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, core := range c.cores {
		if core.Online {
			n++
		}
	}
	return n
}

// ParallelFor splits items into contiguous chunks, one per online core,
// and runs them concurrently. Results keep item order. The first worker
// error cancels the rest.
func (c *CPUManager) ParallelFor(ctx context.Context, items []int, work func(ctx context.Context, item int) (int, error)) ([]int, error) {
	online := c.OnlineCount()
	if online == 0 || len(items) == 0 {
		return nil, nil
	}
	if online > len(items) {
		online = len(items)
	}

	results := make([]int, len(items))
	perCore := len(items) / online

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < online; i++ {
		start := i * perCore
		end := start + perCore
		if i == online-1 {
			end = len(items)
		}
		coreID := i
		g.Go(func() error {
			c.setUtilization(coreID, 90.0)
			defer c.setUtilization(coreID, 10.0)
			for j := start; j < end; j++ {
				out, err := work(gctx, items[j])
				if err != nil {
					return err
				}
				results[j] = out
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *CPUManager) setUtilization(coreID int, pct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if coreID >= 0 && coreID < len(c.cores) {
		c.cores[coreID].Utilization = pct
	}
}

// CPUStats is an aggregate view of the cores.
type CPUStats struct {
	TotalCores         int
	OnlineCores        int
	AverageUtilization float64
}

func (c *CPUManager) Stats() CPUStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CPUStats{TotalCores: len(c.cores)}
	var sum float64
	for _, core := range c.cores {
		if core.Online {
			s.OnlineCores++
		}
		sum += core.Utilization
	}
	if len(c.cores) > 0 {
		s.AverageUtilization = sum / float64(len(c.cores))
	}
	return s
}

// StorageDriver simulates a queue-based block controller. Reads and writes
// only account sectors; no data moves.
type StorageDriver struct {
	mu sync.Mutex

	BAR0           uint64
	AdminQueueSize int
	IOQueueSize    int
	StorageGB      int
	ModelOffsetGB  int

	initialized    bool
	sectorsRead    uint64
	sectorsWritten uint64
}

func NewStorageDriver() *StorageDriver {
	return &StorageDriver{
		BAR0:           0xF0000000,
		AdminQueueSize: 64,
		IOQueueSize:    256,
		StorageGB:      1000,
		ModelOffsetGB:  1,
	}
}

func (s *StorageDriver) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

func (s *StorageDriver) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

const sectorSize = 512

// Read accounts a read of length bytes at offset.
func (s *StorageDriver) Read(offset, length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Errorf(ErrInvalidState, "storage controller not initialized")
	}
	s.sectorsRead += (length + sectorSize - 1) / sectorSize
	return nil
}

// Write accounts a write of length bytes at offset.
func (s *StorageDriver) Write(offset, length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Errorf(ErrInvalidState, "storage controller not initialized")
	}
	s.sectorsWritten += (length + sectorSize - 1) / sectorSize
	return nil
}

// StorageStats is a point-in-time view of the controller.
type StorageStats struct {
	Initialized    bool
	StorageGB      int
	SectorsRead    uint64
	SectorsWritten uint64
}

func (s *StorageDriver) Stats() StorageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StorageStats{
		Initialized:    s.initialized,
		StorageGB:      s.StorageGB,
		SectorsRead:    s.sectorsRead,
		SectorsWritten: s.sectorsWritten,
	}
}

// ComputeBackend holds the inference engine configuration.
type ComputeBackend struct {
	Threads      int
	MemoryPoolMB int
	ContextSize  int
	BatchSize    int
	GraphReady   bool
}

func NewComputeBackend(threads, memoryPoolMB, contextSize int) *ComputeBackend {
	if contextSize <= 0 {
		contextSize = 32768
	}
	return &ComputeBackend{
		Threads:      threads,
		MemoryPoolMB: memoryPoolMB,
		ContextSize:  contextSize,
		BatchSize:    512,
		GraphReady:   true,
	}
}
