package process

import (
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	psutil "github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time view of a running process.
type Stats struct {
	Name        string        `json:"name"`
	PID         int           `json:"pid"`
	Running     bool          `json:"running"`
	StartedAt   time.Time     `json:"startedAt"`
	Uptime      time.Duration `json:"-"`
	UptimeSecs  float64       `json:"uptimeSeconds"`
	RSSBytes    uint64        `json:"rssBytes,omitempty"`
	CPUPercent  float64       `json:"cpuPercent,omitempty"`
	NumThreads  int32         `json:"numThreads,omitempty"`
	Connections int           `json:"tcpConnections,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
}

// Stats returns current statistics for the process. Resource figures are
// best effort and left zero when the OS does not report them.
func (p *Process) Stats() Stats {
	s := Stats{
		Name:      p.spec.Name,
		PID:       p.PID(),
		Running:   !p.Exited(),
		StartedAt: p.startedAt,
		Uptime:    p.Uptime(),
	}
	s.UptimeSecs = s.Uptime.Seconds()
	if err := p.ExitErr(); err != nil {
		s.LastError = err.Error()
	}
	if !s.Running {
		return s
	}

	proc, err := psutil.NewProcess(int32(s.PID)) //nolint:gosec // pids fit in int32
	if err != nil {
		return s
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		s.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if conns, err := psnet.ConnectionsPid("tcp", int32(s.PID)); err == nil { //nolint:gosec // pids fit in int32
		s.Connections = len(conns)
	}
	return s
}
