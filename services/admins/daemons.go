package admins

import (
	"context"
	"log/slog"
	"time"

	"quotashare-backend/lib/reconcile"
	"quotashare-backend/lib/timezone"
	"quotashare-backend/services/admins/db"
)

// RunBillingCleanup periodically clears removal history for admins
// whose billing validity date has passed. The per-admin last-cleanup
// marker keeps the clear at most once per calendar day no matter how
// often the sweep runs.
func (s *Service) RunBillingCleanup(ctx context.Context, interval time.Duration) {
	slog.InfoContext(ctx, "starting billing cleanup daemon", "interval", interval)

	s.sweepBillingCleanup(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepBillingCleanup(ctx)
		}
	}
}

func (s *Service) sweepBillingCleanup(ctx context.Context) {
	admins, err := s.qry.ListAdmins(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "billing cleanup could not list admins", "err", err)
		return
	}

	now := timezone.Now()
	for _, admin := range admins {
		if admin.ValidityDate == 0 {
			continue
		}
		lastCleanup := time.Time{}
		if admin.LastCleanup != 0 {
			lastCleanup = time.Unix(admin.LastCleanup, 0).In(timezone.Location)
		}
		validity := time.Unix(admin.ValidityDate, 0).In(timezone.Location)

		if !reconcile.ShouldCleanup(lastCleanup, validity, now) {
			continue
		}
		if err := s.cleanupRemovals(ctx, admin.Identity, now); err != nil {
			slog.ErrorContext(ctx, "billing cleanup failed",
				"identity", admin.Identity, "err", err)
			continue
		}
		slog.InfoContext(ctx, "cleared removal history for new billing cycle",
			"identity", admin.Identity)
	}
}

func (s *Service) cleanupRemovals(ctx context.Context, identity string, now time.Time) error {
	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	if err := txqry.DeleteRemovals(ctx, identity); err != nil {
		return err
	}
	err = txqry.SetLastCleanup(ctx, db.SetLastCleanupParams{
		Identity:    identity,
		LastCleanup: now.Unix(),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}
