package sandbox

import (
	"context"
	"os"
	"runtime/metrics"

	"github.com/shirou/gopsutil/v3/process"
)

// MemoryProbe reports current heap usage in bytes.
type MemoryProbe interface {
	HeapBytes() uint64
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// RuntimeProbe reads live heap object bytes from runtime/metrics.
//
// The heap is process-wide, so with concurrent invocations a delta includes
// allocations made by neighbours.
type RuntimeProbe struct{}

func (RuntimeProbe) HeapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// rssSampler reads the resident set size of the host process.
type rssSampler struct {
	proc *process.Process
}

func newRSSSampler() *rssSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &rssSampler{}
	}
	return &rssSampler{proc: proc}
}

func (s *rssSampler) RSS(ctx context.Context) uint64 {
	if s == nil || s.proc == nil {
		return 0
	}
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}
