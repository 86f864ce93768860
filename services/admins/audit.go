package admins

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"quotashare-backend/lib/scrapers/ushare/mutate"
	"quotashare-backend/lib/timezone"
	"quotashare-backend/services/admins/db"
)

// dbAuditSink persists mutation outcomes to the audit_log table.
// Failures are logged and swallowed; audit delivery must never affect
// the mutation result.
type dbAuditSink struct {
	qry *db.Queries
}

func (s *dbAuditSink) Report(ctx context.Context, r mutate.Report) {
	owner := ""
	admin, err := s.qry.GetAdmin(ctx, r.Identity)
	if err == nil {
		owner = admin.Owner
	} else if !errors.Is(err, sql.ErrNoRows) {
		slog.WarnContext(ctx, "audit owner lookup failed", "identity", r.Identity, "err", err)
	}

	entry := db.CreateAuditLogParams{
		CreatedAt:    timezone.Now().Unix(),
		Owner:        owner,
		Identity:     r.Identity,
		Action:       string(r.Action),
		TargetPhone:  r.TargetPhone,
		Success:      r.Success,
		ErrorMessage: r.ErrorMessage,
	}
	if r.HasQuota {
		entry.QuotaGb = sql.NullFloat64{Float64: r.QuotaGB, Valid: true}
	}

	if err := s.qry.CreateAuditLog(ctx, entry); err != nil {
		slog.WarnContext(ctx, "failed to write audit log entry",
			"identity", r.Identity, "action", r.Action, "err", err)
	}
}

// AuditLog returns the most recent audit entries for an identity.
func (s *Service) AuditLog(ctx context.Context, identity string, limit int64) ([]db.AuditLogRow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.qry.ListAuditLog(ctx, db.ListAuditLogParams{Identity: identity, Limit: limit})
}
