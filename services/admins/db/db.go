package db

import (
	"context"
	"database/sql"

	_ "embed"
)

//go:embed schema.sql
var Schema string

type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type Admin struct {
	Identity     string
	Owner        string
	QuotaLimit   float64
	MaxQuota     float64
	ValidityDate int64
	LastFetch    int64
	LastCleanup  int64
}

type UpsertAdminParams struct {
	Identity     string
	Owner        string
	QuotaLimit   float64
	ValidityDate int64
}

func (q *Queries) UpsertAdmin(ctx context.Context, arg UpsertAdminParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO admins (identity, owner, quota_limit, validity_date)
VALUES (?, ?, ?, ?)
ON CONFLICT (identity) DO UPDATE SET
    owner = excluded.owner,
    quota_limit = excluded.quota_limit,
    validity_date = excluded.validity_date`,
		arg.Identity, arg.Owner, arg.QuotaLimit, arg.ValidityDate)
	return err
}

func (q *Queries) GetAdmin(ctx context.Context, identity string) (Admin, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT identity, owner, quota_limit, max_quota, validity_date, last_fetch, last_cleanup
FROM admins WHERE identity = ?`, identity)
	var a Admin
	err := row.Scan(&a.Identity, &a.Owner, &a.QuotaLimit, &a.MaxQuota,
		&a.ValidityDate, &a.LastFetch, &a.LastCleanup)
	return a, err
}

func (q *Queries) ListAdmins(ctx context.Context) ([]Admin, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT identity, owner, quota_limit, max_quota, validity_date, last_fetch, last_cleanup
FROM admins ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Admin
	for rows.Next() {
		var a Admin
		err := rows.Scan(&a.Identity, &a.Owner, &a.QuotaLimit, &a.MaxQuota,
			&a.ValidityDate, &a.LastFetch, &a.LastCleanup)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type SetFetchResultParams struct {
	Identity  string
	MaxQuota  float64
	LastFetch int64
}

func (q *Queries) SetFetchResult(ctx context.Context, arg SetFetchResultParams) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE admins SET max_quota = ?, last_fetch = ? WHERE identity = ?`,
		arg.MaxQuota, arg.LastFetch, arg.Identity)
	return err
}

type SetLastCleanupParams struct {
	Identity    string
	LastCleanup int64
}

func (q *Queries) SetLastCleanup(ctx context.Context, arg SetLastCleanupParams) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE admins SET last_cleanup = ? WHERE identity = ?`,
		arg.LastCleanup, arg.Identity)
	return err
}

type SubscriberRow struct {
	Identity  string
	Phone     string
	FullPhone string
	Status    string
	UsedGb    float64
	TotalGb   float64
}

func (q *Queries) DeleteSnapshot(ctx context.Context, identity string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM subscriber_snapshots WHERE identity = ?`, identity)
	return err
}

func (q *Queries) CreateSnapshotRow(ctx context.Context, arg SubscriberRow) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO subscriber_snapshots (identity, phone, full_phone, status, used_gb, total_gb)
VALUES (?, ?, ?, ?, ?, ?)`,
		arg.Identity, arg.Phone, arg.FullPhone, arg.Status, arg.UsedGb, arg.TotalGb)
	return err
}

func (q *Queries) GetSnapshot(ctx context.Context, identity string) ([]SubscriberRow, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT identity, phone, full_phone, status, used_gb, total_gb
FROM subscriber_snapshots WHERE identity = ? ORDER BY phone`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubscriberRow
	for rows.Next() {
		var r SubscriberRow
		err := rows.Scan(&r.Identity, &r.Phone, &r.FullPhone, &r.Status, &r.UsedGb, &r.TotalGb)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type RemovalRow struct {
	Identity   string
	Phone      string
	FullPhone  string
	UsedGb     float64
	TotalGb    float64
	DetectedAt int64
}

func (q *Queries) DeleteRemovals(ctx context.Context, identity string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM removals WHERE identity = ?`, identity)
	return err
}

func (q *Queries) CreateRemoval(ctx context.Context, arg RemovalRow) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO removals (identity, phone, full_phone, used_gb, total_gb, detected_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (identity, phone) DO NOTHING`,
		arg.Identity, arg.Phone, arg.FullPhone, arg.UsedGb, arg.TotalGb, arg.DetectedAt)
	return err
}

func (q *Queries) ListRemovals(ctx context.Context, identity string) ([]RemovalRow, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT identity, phone, full_phone, used_gb, total_gb, detected_at
FROM removals WHERE identity = ? ORDER BY detected_at, phone`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RemovalRow
	for rows.Next() {
		var r RemovalRow
		err := rows.Scan(&r.Identity, &r.Phone, &r.FullPhone, &r.UsedGb, &r.TotalGb, &r.DetectedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type CreateAuditLogParams struct {
	CreatedAt    int64
	Owner        string
	Identity     string
	Action       string
	TargetPhone  string
	QuotaGb      sql.NullFloat64
	Success      bool
	ErrorMessage string
}

func (q *Queries) CreateAuditLog(ctx context.Context, arg CreateAuditLogParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO audit_log (created_at, owner, identity, action, target_phone, quota_gb, success, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		arg.CreatedAt, arg.Owner, arg.Identity, arg.Action, arg.TargetPhone,
		arg.QuotaGb, arg.Success, arg.ErrorMessage)
	return err
}

type AuditLogRow struct {
	Id           int64
	CreatedAt    int64
	Owner        string
	Identity     string
	Action       string
	TargetPhone  string
	QuotaGb      sql.NullFloat64
	Success      bool
	ErrorMessage string
}

type ListAuditLogParams struct {
	Identity string
	Limit    int64
}

func (q *Queries) ListAuditLog(ctx context.Context, arg ListAuditLogParams) ([]AuditLogRow, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, created_at, owner, identity, action, target_phone, quota_gb, success, error_message
FROM audit_log WHERE identity = ? ORDER BY id DESC LIMIT ?`,
		arg.Identity, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditLogRow
	for rows.Next() {
		var r AuditLogRow
		err := rows.Scan(&r.Id, &r.CreatedAt, &r.Owner, &r.Identity, &r.Action,
			&r.TargetPhone, &r.QuotaGb, &r.Success, &r.ErrorMessage)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
