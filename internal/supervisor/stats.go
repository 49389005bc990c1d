package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

type Stats struct {
	State           State
	PID             int
	Uptime          time.Duration
	RSSBytes        uint64
	CPUPercent      float64
	DroppedEvents   uint64
	PendingRequests int
	Subscribers     int
}

// Stats samples the worker process. Resource fields stay zero when the
// process cannot be inspected.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		State:         s.state,
		DroppedEvents: s.bus.Dropped(),
		Subscribers:   s.bus.Subscribers(),
	}
	l := s.link
	if s.session != nil {
		st.PID = s.session.PID
		if !s.session.StartedAt.IsZero() {
			st.Uptime = time.Since(s.session.StartedAt)
		}
	}
	s.mu.Unlock()

	if l == nil {
		return st
	}
	st.PendingRequests = l.pending.Len()

	proc, err := process.NewProcess(int32(st.PID))
	if err != nil {
		s.logger.Debug("inspect worker", zap.Int("pid", st.PID), zap.Error(err))
		return st
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	return st
}
