// Package admins orchestrates reseller admin accounts: governed
// listing refreshes, validated subscriber mutations, removal
// reconciliation and the durable snapshot store.
package admins

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quotashare-backend/lib/governor"
	"quotashare-backend/lib/phoneutil"
	"quotashare-backend/lib/reconcile"
	"quotashare-backend/lib/scrapers/ushare/core"
	"quotashare-backend/lib/scrapers/ushare/listing"
	"quotashare-backend/lib/scrapers/ushare/mutate"
	"quotashare-backend/lib/scrapers/ushare/session"
	"quotashare-backend/lib/telemetry"
	"quotashare-backend/lib/timezone"
	"quotashare-backend/services/admins/db"

	"github.com/PuerkitoBio/purell"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

var tracer = telemetry.Tracer("services/admins")

var (
	ErrInvalidPhone = errors.New("phone number is not a valid local subscriber number")
	ErrInvalidQuota = errors.New("quota must be positive and within the admin's limit")
	// the listing page came back without its quota summary; persisting
	// it would record a healthy account as empty
	ErrPartialListing = errors.New("portal returned a partial listing page")
)

const defaultCacheTtl = time.Minute * 5

type Options struct {
	DB       *sql.DB
	Core     *core.Client
	Sessions *session.Manager
	// base portal URL, used to derive stable cache keys
	BaseUrl string
	// snapshot read-cache TTL; defaults to 5 minutes
	CacheTtl time.Duration
	// passed through to the mutation executor
	SettleDelay time.Duration
}

type Service struct {
	database *sql.DB
	qry      *db.Queries
	core     *core.Client
	sessions *session.Manager
	executor *mutate.Executor

	govern   *governor.Governor[[]listing.Subscriber]
	mutLocks *governor.KeyedLock
	cache    *expirable.LRU[string, []listing.Subscriber]
	cacheKey string
}

func NewService(opts Options) (*Service, error) {
	if opts.DB == nil || opts.Core == nil || opts.Sessions == nil {
		return nil, errors.New("admins: db, core client and session manager are required")
	}

	cacheTtl := opts.CacheTtl
	if cacheTtl <= 0 {
		cacheTtl = defaultCacheTtl
	}

	// normalized so differently-written base URLs in config map to the
	// same cache namespace
	cacheKey, err := purell.NormalizeURLString(
		opts.BaseUrl+core.EndpointSubscribers,
		purell.FlagsUsuallySafeGreedy,
	)
	if err != nil {
		return nil, fmt.Errorf("admins: bad base url: %w", err)
	}

	s := &Service{
		database: opts.DB,
		qry:      db.New(opts.DB),
		core:     opts.Core,
		sessions: opts.Sessions,
		govern:   governor.New[[]listing.Subscriber]("admins", governor.Options{}),
		mutLocks: governor.NewKeyedLock(),
		cache:    expirable.NewLRU[string, []listing.Subscriber](1024, nil, cacheTtl),
		cacheKey: cacheKey,
	}

	s.executor, err = mutate.NewExecutor(mutate.Options{
		Core:            opts.Core,
		Sessions:        opts.Sessions,
		Audit:           &dbAuditSink{qry: s.qry},
		InvalidateCache: s.InvalidateCache,
		SettleDelay:     opts.SettleDelay,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AdminConfig is the static configuration for one reseller admin
// account. Credentials live in the session manager's credential
// source; this carries everything else.
type AdminConfig struct {
	Identity     string
	Owner        string
	QuotaLimit   float64
	ValidityDate time.Time
}

// RegisterAdmin makes an admin known to the store. Called once per
// configured admin at startup; safe to repeat.
func (s *Service) RegisterAdmin(ctx context.Context, cfg AdminConfig) error {
	// a zero time means no validity date was configured; its Unix value
	// would look like a long-passed date and put the admin in every
	// billing sweep
	validity := int64(0)
	if !cfg.ValidityDate.IsZero() {
		validity = cfg.ValidityDate.Unix()
	}
	return s.qry.UpsertAdmin(ctx, db.UpsertAdminParams{
		Identity:     cfg.Identity,
		Owner:        cfg.Owner,
		QuotaLimit:   cfg.QuotaLimit,
		ValidityDate: validity,
	})
}

func (s *Service) key(identity string) string {
	return s.cacheKey + "|" + identity
}

// InvalidateCache drops the cached snapshot for an identity.
func (s *Service) InvalidateCache(identity string) {
	s.cache.Remove(s.key(identity))
}

// ClearRequest forcibly drops a stuck in-flight refresh so the next
// caller starts a fresh one.
func (s *Service) ClearRequest(identity string) {
	s.govern.Clear("refresh:" + identity)
}

// Subscribers returns the identity's subscriber snapshot through the
// read cache. bypassCache forces a live portal fetch, which is what
// verification reads use.
func (s *Service) Subscribers(ctx context.Context, identity string, bypassCache bool) ([]listing.Subscriber, error) {
	if !bypassCache {
		if cached, hit := s.cache.Get(s.key(identity)); hit {
			return cached, nil
		}
	}
	return s.Refresh(ctx, identity)
}

// Refresh fetches the live listing, reconciles removals and persists
// the snapshot. Concurrent refreshes for the same identity share one
// execution through the governor.
func (s *Service) Refresh(ctx context.Context, identity string) ([]listing.Subscriber, error) {
	return s.govern.Do(ctx, "refresh:"+identity, func(ctx context.Context) ([]listing.Subscriber, error) {
		return s.refresh(ctx, identity)
	})
}

func (s *Service) refresh(ctx context.Context, identity string) ([]listing.Subscriber, error) {
	ctx, span := tracer.Start(ctx, "service:refresh")
	defer span.End()
	span.SetAttributes(attribute.String("identity", identity))

	page, err := s.fetchListing(ctx, identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing fetch failed")
		return nil, err
	}
	if !page.HasSummary {
		span.SetStatus(codes.Error, "partial listing")
		return nil, ErrPartialListing
	}

	prev, recorded, err := s.loadPersisted(ctx, identity)
	if err != nil {
		return nil, err
	}
	_, merged := reconcile.Diff(prev, page.Subscribers, recorded, timezone.Now())

	if err := s.persist(ctx, identity, page, merged); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}

	s.cache.Add(s.key(identity), page.Subscribers)
	span.SetAttributes(attribute.Int("subscriber_count", len(page.Subscribers)))
	return page.Subscribers, nil
}

// fetchListing performs the authenticated listing GET. One stale
// session is forgiven: an Unauthorized classification triggers a
// forced re-login and a single re-fetch with fresh cookies.
func (s *Service) fetchListing(ctx context.Context, identity string) (listing.Page, error) {
	for attempt := 0; ; attempt++ {
		sess, err := s.sessions.Acquire(ctx, identity)
		if err != nil {
			return listing.Page{}, err
		}

		res, err := s.core.Request(ctx, core.EndpointSubscribers, sess.Cookies, core.Options{})
		if err != nil {
			if core.IsUnauthorized(err) && attempt == 0 {
				if _, rerr := s.sessions.Refresh(ctx, identity); rerr != nil {
					return listing.Page{}, rerr
				}
				continue
			}
			return listing.Page{}, err
		}
		return listing.Parse(ctx, res.Body)
	}
}

func (s *Service) loadPersisted(ctx context.Context, identity string) ([]listing.Subscriber, []reconcile.Removal, error) {
	rows, err := s.qry.GetSnapshot(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	prev := make([]listing.Subscriber, 0, len(rows))
	for _, r := range rows {
		prev = append(prev, listing.Subscriber{
			PhoneNumber:     r.Phone,
			FullPhoneNumber: r.FullPhone,
			Status:          listing.Status(r.Status),
			UsedGB:          r.UsedGb,
			TotalGB:         r.TotalGb,
		})
	}

	removalRows, err := s.qry.ListRemovals(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	recorded := make([]reconcile.Removal, 0, len(removalRows))
	for _, r := range removalRows {
		recorded = append(recorded, reconcile.Removal{
			PhoneNumber:     r.Phone,
			FullPhoneNumber: r.FullPhone,
			UsedGB:          r.UsedGb,
			TotalGB:         r.TotalGb,
			DetectedAt:      time.Unix(r.DetectedAt, 0).In(timezone.Location),
		})
	}
	return prev, recorded, nil
}

func (s *Service) persist(ctx context.Context, identity string, page listing.Page, merged []reconcile.Removal) error {
	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	if err := txqry.DeleteSnapshot(ctx, identity); err != nil {
		return err
	}
	for _, sub := range page.Subscribers {
		err := txqry.CreateSnapshotRow(ctx, db.SubscriberRow{
			Identity:  identity,
			Phone:     sub.PhoneNumber,
			FullPhone: sub.FullPhoneNumber,
			Status:    string(sub.Status),
			UsedGb:    sub.UsedGB,
			TotalGb:   sub.TotalGB,
		})
		if err != nil {
			return err
		}
	}

	if err := txqry.DeleteRemovals(ctx, identity); err != nil {
		return err
	}
	for _, removal := range merged {
		err := txqry.CreateRemoval(ctx, db.RemovalRow{
			Identity:   identity,
			Phone:      removal.PhoneNumber,
			FullPhone:  removal.FullPhoneNumber,
			UsedGb:     removal.UsedGB,
			TotalGb:    removal.TotalGB,
			DetectedAt: removal.DetectedAt.Unix(),
		})
		if err != nil {
			return err
		}
	}

	err = txqry.SetFetchResult(ctx, db.SetFetchResultParams{
		Identity:  identity,
		MaxQuota:  page.MaxQuotaGB,
		LastFetch: timezone.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Removals lists the persisted externally-removed subscribers for an
// identity.
func (s *Service) Removals(ctx context.Context, identity string) ([]reconcile.Removal, error) {
	_, recorded, err := s.loadPersisted(ctx, identity)
	return recorded, err
}

// AddSubscriber validates and executes an add mutation. Mutations for
// the same identity are serialized; the portal cannot be trusted with
// two interleaved form flows on one account.
func (s *Service) AddSubscriber(ctx context.Context, identity, phone string, quotaGB float64) error {
	if !phoneutil.IsValid(phone) {
		return fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	if err := s.checkQuota(ctx, identity, quotaGB); err != nil {
		return err
	}
	if err := s.mutLocks.Lock(ctx, identity); err != nil {
		return err
	}
	defer s.mutLocks.Unlock(identity)
	return s.executor.Add(ctx, identity, phone, quotaGB)
}

// EditSubscriberQuota validates and executes a quota change.
func (s *Service) EditSubscriberQuota(ctx context.Context, identity, phone string, quotaGB float64) error {
	if !phoneutil.IsValid(phone) {
		return fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	if err := s.checkQuota(ctx, identity, quotaGB); err != nil {
		return err
	}
	if err := s.mutLocks.Lock(ctx, identity); err != nil {
		return err
	}
	defer s.mutLocks.Unlock(identity)
	return s.executor.EditQuota(ctx, identity, phone, quotaGB)
}

// RemoveSubscriber validates and executes a removal.
func (s *Service) RemoveSubscriber(ctx context.Context, identity, phone string) error {
	if !phoneutil.IsValid(phone) {
		return fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	if err := s.mutLocks.Lock(ctx, identity); err != nil {
		return err
	}
	defer s.mutLocks.Unlock(identity)
	return s.executor.Remove(ctx, identity, phone)
}

func (s *Service) checkQuota(ctx context.Context, identity string, quotaGB float64) error {
	if quotaGB <= 0 {
		return fmt.Errorf("%w: %v GB", ErrInvalidQuota, quotaGB)
	}
	admin, err := s.qry.GetAdmin(ctx, identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unknown admin %q", identity)
		}
		return err
	}
	if admin.QuotaLimit > 0 && quotaGB > admin.QuotaLimit {
		return fmt.Errorf("%w: %v GB exceeds limit %v GB", ErrInvalidQuota, quotaGB, admin.QuotaLimit)
	}
	return nil
}

// Status reports in-flight governed operations and cached session
// ages, for the daemon's observability endpoint.
type Status struct {
	InFlight map[string]time.Duration `json:"inFlight"`
	Sessions map[string]time.Time     `json:"sessions"`
}

func (s *Service) Status() Status {
	return Status{
		InFlight: s.govern.Status(),
		Sessions: s.sessions.Identities(),
	}
}
