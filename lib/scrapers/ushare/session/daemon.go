package session

import (
	"context"
	"log/slog"
	"time"
)

// RunProactiveRefresh re-logs identities whose cached session will
// expire within the next interval, so interactive requests rarely pay
// login latency. Runs until ctx is cancelled.
func (m *Manager) RunProactiveRefresh(ctx context.Context, interval time.Duration) {
	slog.InfoContext(ctx, "starting proactive session refresh daemon", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for identity, obtained := range m.Identities() {
			if time.Since(obtained) < m.ttl-interval {
				continue
			}
			_, err := m.Refresh(ctx, identity)
			if err != nil {
				// next Acquire will retry; a dead portal should not
				// crash the daemon
				slog.WarnContext(ctx, "proactive session refresh failed",
					"identity", identity, "err", err)
			}
		}
	}
}
