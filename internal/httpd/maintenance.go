package httpd

import (
	"context"
	"time"
)

// StartMaintenance runs the periodic sweep releasing transfer contexts
// abandoned by crashed clients, so a dead session cannot pin all slots
// forever. It returns immediately; the loop stops when ctx is done.
func (s *Server) StartMaintenance(ctx context.Context) {
	interval := time.Duration(s.cfg.MaintenanceIntervalSec) * time.Second
	maxAge := time.Duration(s.cfg.ContextIdleTimeoutSec) * time.Second
	if interval <= 0 || maxAge <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.transfers.ExpireIdle(maxAge); n > 0 {
					s.log.Info().Int("count", n).Msg("expired idle transfer contexts")
				}
			}
		}
	}()
}
