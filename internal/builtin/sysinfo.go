package builtin

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/process"

	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/plugin"
	"github.com/mattjoyce/meshgate/internal/registry"
)

// SysinfoName is the builtin process statistics plugin.
const SysinfoName = "sysinfo"

func sysinfoDescriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:        SysinfoName,
		Version:     "1.0.0",
		Description: "Gateway process statistics",
		Kind:        plugin.KindBuiltin,
		Capabilities: plugin.Capabilities{
			Commands: plugin.HandlerSpecs{
				{Name: "sysinfo", Cooldown: 30 * time.Second, MaxPerHour: 20, Description: "gateway RSS, CPU and uptime"},
			},
		},
	}
}

// Snapshot is one reading of the gateway process.
type Snapshot struct {
	RSS        uint64
	CPUPercent float64
	Status     string
	Uptime     time.Duration
}

func (s Snapshot) String() string {
	return fmt.Sprintf("rss=%.1fMB cpu=%.1f%% up=%s", float64(s.RSS)/(1<<20), s.CPUPercent, s.Uptime.Truncate(time.Second))
}

type sysinfo struct {
	plugin.Base
	started time.Time
	clock   clockwork.Clock
	proc    *process.Process
}

func newSysinfo(started time.Time, clock clockwork.Clock) *sysinfo {
	return &sysinfo{started: started, clock: clock}
}

func (s *sysinfo) Initialize(ctx context.Context, host plugin.Host) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("open self process: %w", err)
	}
	s.proc = p

	spec, _ := host.Descriptor().Capabilities.Commands.Find("sysinfo")
	return host.RegisterCommand("sysinfo", spec.Priority, spec.Policy(), s.handle)
}

// Health fails once the process can no longer be inspected.
func (s *sysinfo) Health(context.Context) error {
	if s.proc == nil {
		return fmt.Errorf("not initialized")
	}
	_, err := s.proc.MemoryInfo()
	return err
}

func (s *sysinfo) handle(context.Context, []string, mesh.Context) (registry.Result, error) {
	snap, err := s.read()
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{Text: snap.String()}, nil
}

func (s *sysinfo) read() (Snapshot, error) {
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := s.proc.CPUPercent()
	if err != nil {
		return Snapshot{}, fmt.Errorf("cpu percent: %w", err)
	}
	status, err := s.proc.Status()
	if err != nil {
		status = "unknown"
	}
	return Snapshot{
		RSS:        mem.RSS,
		CPUPercent: cpu,
		Status:     status,
		Uptime:     s.clock.Since(s.started),
	}, nil
}
