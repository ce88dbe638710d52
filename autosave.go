package profiled

import "context"

// runTicks drives the periodic work: queue sweeps, health-window pruning and
// the auto-save rotation. It exits when the service context is canceled.
func (s *Service) runTicks(ctx context.Context) {
	defer close(s.tickDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(s.cfg.TickInterval):
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	s.queue.Sweep()
	s.monitor.Tick()
	for _, p := range s.nextAutoSaves() {
		// Saves outlive the tick context; the queue drains them at Close.
		go p.autoSave(context.WithoutCancel(ctx))
	}
}

// nextAutoSaves advances the rotation cursor so that each held lease is
// visited about once per AutoSaveInterval. The fractional debt carries the
// remainder between ticks; with n leases the rotation moves
// n*TickInterval/AutoSaveInterval positions per tick on average.
func (s *Service) nextAutoSaves() []*Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.leases)
	if n == 0 {
		s.saveDebt = 0
		return nil
	}
	ticksPerInterval := float64(s.cfg.AutoSaveInterval) / float64(s.cfg.TickInterval)
	if ticksPerInterval < 1 {
		ticksPerInterval = 1
	}
	s.saveDebt += float64(n) / ticksPerInterval
	steps := int(s.saveDebt)
	if steps > n {
		steps = n
	}
	if steps <= 0 {
		return nil
	}
	s.saveDebt -= float64(steps)
	out := make([]*Profile, 0, steps)
	for i := 0; i < steps; i++ {
		if s.cursor >= len(s.leases) {
			s.cursor = 0
		}
		out = append(out, s.leases[s.cursor])
		s.cursor++
	}
	return out
}
