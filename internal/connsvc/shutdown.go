package connsvc

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/syncsonic/syncsonicd/internal/fsm"
)

// Shutdown cancels every live FSM, unroutes every loopback, and waits for
// all of it to settle — spec.md §5's "shutdown of the daemon broadcasts
// cancel to all FSMs, unroutes all loopbacks". Loopbacks are unrouted for
// every speaker the snapshot reports connected. Adapter/agent/advertising
// teardown is not part of Shutdown; it only covers what C6 owns.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	machines := make([]*fsm.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		machines = append(machines, m)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			m.Cancel()
			select {
			case <-m.Done():
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, mac := range s.Snapshot().Connected {
		s.router.Unroute(mac)
	}

	return nil
}
