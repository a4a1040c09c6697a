package session

import (
	"fmt"
	"runtime"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"
)

// MemoryProbe reports the process's current memory usage in bytes.
type MemoryProbe interface {
	Usage() (uint64, error)
}

// ProbeFunc adapts a function to MemoryProbe.
type ProbeFunc func() (uint64, error)

func (f ProbeFunc) Usage() (uint64, error) { return f() }

// ProcessProbe reads the resident set size from /proc.
type ProcessProbe struct {
	proc procfs.Proc
}

// NewMemoryProbe returns a ProcessProbe where procfs is available and a
// RuntimeProbe elsewhere.
func NewMemoryProbe() MemoryProbe {
	proc, err := procfs.Self()
	if err == nil {
		if _, err = proc.Stat(); err == nil {
			return &ProcessProbe{proc: proc}
		}
	}
	log.Debug().Err(err).Msg("procfs unavailable, using runtime memory stats")
	return RuntimeProbe{}
}

func (p *ProcessProbe) Usage() (uint64, error) {
	stat, err := p.proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("read process stat: %w", err)
	}
	return uint64(stat.ResidentMemory()), nil
}

// RuntimeProbe approximates usage from the Go runtime: memory obtained from the
// OS minus what the heap has returned.
type RuntimeProbe struct{}

func (RuntimeProbe) Usage() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys - ms.HeapReleased, nil
}
