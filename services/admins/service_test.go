package admins

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quotashare-backend/lib/scrapers/ushare/core"
	"quotashare-backend/lib/scrapers/ushare/session"
	"quotashare-backend/lib/telemetry"
	"quotashare-backend/lib/timezone"
	"quotashare-backend/services/admins/db"

	"github.com/stretchr/testify/require"
)

const testToken = "tok-e2e"

// fakePortal mimics the reseller portal closely enough for the full
// refresh and mutation flows: cookie auth, anti-forgery tokens, and
// mutation POSTs that answer with a bare redirect (the ambiguous case).
type fakePortal struct {
	mu          sync.Mutex
	subscribers map[string]float64
	partial     bool // serve the listing without its quota summary
	validAuth   map[string]bool

	listingGets atomic.Int64
}

func newPortal() *fakePortal {
	return &fakePortal{
		subscribers: map[string]float64{},
		validAuth:   map[string]bool{},
	}
}

func (f *fakePortal) setSubscriber(phone string, quota float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[phone] = quota
}

func (f *fakePortal) removeSubscriber(phone string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, phone)
}

func (f *fakePortal) listingHtml() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var b strings.Builder
	b.WriteString("<html><body>")
	if !f.partial {
		b.WriteString(`<div id="quota-summary" data-max-quota="40">Shared quota</div>`)
	}
	for phone, quota := range f.subscribers {
		fmt.Fprintf(&b, `<div class="subscriber-card" data-used="1.5" data-total="%s">
<span class="msisdn">%s</span>
<span class="status-label">Active</span>
<a href="/myaccount/sharedservices/delete?msisdn=%s">Remove</a>
</div>`, strconv.FormatFloat(quota, 'f', -1, 64), phone, phone)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func formHtml(action string) string {
	return fmt.Sprintf(`<html><body><form method="post" action="%s">
<input type="hidden" name="__RequestVerificationToken" value="%s" />
</form></body></html>`, action, testToken)
}

func (f *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><form id="login-form" name="LoginForm" method="post" action="/login">
<input name="__RequestVerificationToken" type="hidden" value="%s" />
<p>Sign in to your account</p></form></body></html>`, testToken)
	})
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		value := "auth-" + r.FormValue("UserName")
		f.mu.Lock()
		f.validAuth[value] = true
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: ".ASPXAUTH", Value: value, Path: "/"})
		// the login client follows this; pointing it at the listing
		// would inflate listingGets by one per login
		http.Redirect(w, r, "/myaccount", http.StatusFound)
	})

	guard := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(".ASPXAUTH")
			if err != nil {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			f.mu.Lock()
			ok := f.validAuth[c.Value]
			f.mu.Unlock()
			if !ok {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("GET /myaccount", guard(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>My Account</body></html>")
	}))
	mux.HandleFunc("GET /myaccount/sharedservices", guard(func(w http.ResponseWriter, r *http.Request) {
		f.listingGets.Add(1)
		fmt.Fprint(w, f.listingHtml())
	}))
	mux.HandleFunc("GET /myaccount/sharedservices/add", guard(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, formHtml("/myaccount/sharedservices/add"))
	}))
	mux.HandleFunc("POST /myaccount/sharedservices/add", guard(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("__RequestVerificationToken") != testToken {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		quota, _ := strconv.ParseFloat(r.FormValue("Quota"), 64)
		f.setSubscriber(r.FormValue("Msisdn"), quota)
		http.Redirect(w, r, "/myaccount/sharedservices", http.StatusFound)
	}))
	mux.HandleFunc("GET /myaccount/sharedservices/delete", guard(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, formHtml("/myaccount/sharedservices/delete?msisdn="+r.URL.Query().Get("msisdn")))
	}))
	mux.HandleFunc("POST /myaccount/sharedservices/delete", guard(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("__RequestVerificationToken") != testToken {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.removeSubscriber(r.URL.Query().Get("msisdn"))
		http.Redirect(w, r, "/myaccount/sharedservices", http.StatusFound)
	}))

	return mux
}

type fixture struct {
	portal   *fakePortal
	service  *Service
	database *sql.DB
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cleanup := telemetry.SetupForTesting(t, "test:services/admins")
	t.Cleanup(cleanup)

	portal := newPortal()
	server := httptest.NewServer(portal.handler())
	t.Cleanup(server.Close)

	database, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	_, err = database.Exec(db.Schema)
	require.NoError(t, err)

	coreClient, err := core.NewClient(core.ClientOptions{BaseUrl: server.URL})
	require.NoError(t, err)

	sessions, err := session.NewManager(session.Options{
		BaseUrl: server.URL,
		Source: session.StaticCredentials{
			"admin01": {Username: "admin01", Password: "hunter2"},
		},
	})
	require.NoError(t, err)

	service, err := NewService(Options{
		DB:          database,
		Core:        coreClient,
		Sessions:    sessions,
		BaseUrl:     server.URL,
		SettleDelay: time.Millisecond * 5,
	})
	require.NoError(t, err)

	err = service.RegisterAdmin(context.Background(), AdminConfig{
		Identity:     "admin01",
		Owner:        "owner-1",
		QuotaLimit:   40,
		ValidityDate: timezone.Now().AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	return &fixture{portal: portal, service: service, database: database}
}

func TestRefreshPersistsSnapshot(t *testing.T) {
	f := setup(t)
	f.portal.setSubscriber("96171935446", 10)

	subs, err := f.service.Refresh(context.Background(), "admin01")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "71935446", subs[0].PhoneNumber)

	rows, err := db.New(f.database).GetSnapshot(context.Background(), "admin01")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	admin, err := db.New(f.database).GetAdmin(context.Background(), "admin01")
	require.NoError(t, err)
	require.EqualValues(t, 40, admin.MaxQuota)
	require.NotZero(t, admin.LastFetch)
}

func TestRefreshDetectsExternalRemoval(t *testing.T) {
	f := setup(t)
	f.portal.setSubscriber("96171935446", 10)

	_, err := f.service.Refresh(context.Background(), "admin01")
	require.NoError(t, err)

	// subscriber disappears upstream, outside our mutation path
	f.portal.removeSubscriber("96171935446")

	_, err = f.service.Refresh(context.Background(), "admin01")
	require.NoError(t, err)

	removals, err := f.service.Removals(context.Background(), "admin01")
	require.NoError(t, err)
	require.Len(t, removals, 1)
	require.Equal(t, "71935446", removals[0].PhoneNumber)
	require.EqualValues(t, 10, removals[0].TotalGB)

	// a third refresh must not duplicate the recorded removal
	_, err = f.service.Refresh(context.Background(), "admin01")
	require.NoError(t, err)
	removals, err = f.service.Removals(context.Background(), "admin01")
	require.NoError(t, err)
	require.Len(t, removals, 1)
}

func TestPartialListingIsNeverPersisted(t *testing.T) {
	f := setup(t)
	f.portal.setSubscriber("96171935446", 10)

	_, err := f.service.Refresh(context.Background(), "admin01")
	require.NoError(t, err)

	f.portal.mu.Lock()
	f.portal.partial = true
	f.portal.subscribers = map[string]float64{}
	f.portal.mu.Unlock()

	_, err = f.service.Refresh(context.Background(), "admin01")
	require.ErrorIs(t, err, ErrPartialListing)

	// the healthy snapshot survives the partial response
	rows, err := db.New(f.database).GetSnapshot(context.Background(), "admin01")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	removals, err := f.service.Removals(context.Background(), "admin01")
	require.NoError(t, err)
	require.Empty(t, removals)
}

func TestSubscribersReadThroughCache(t *testing.T) {
	f := setup(t)
	f.portal.setSubscriber("96171935446", 10)

	_, err := f.service.Subscribers(context.Background(), "admin01", false)
	require.NoError(t, err)
	_, err = f.service.Subscribers(context.Background(), "admin01", false)
	require.NoError(t, err)
	require.EqualValues(t, 1, f.portal.listingGets.Load())

	_, err = f.service.Subscribers(context.Background(), "admin01", true)
	require.NoError(t, err)
	require.EqualValues(t, 2, f.portal.listingGets.Load())
}

func TestEndToEndAddSubscriber(t *testing.T) {
	f := setup(t)

	// prime the read cache so invalidation is observable
	_, err := f.service.Subscribers(context.Background(), "admin01", false)
	require.NoError(t, err)

	err = f.service.AddSubscriber(context.Background(), "admin01", "03123456", 5)
	require.NoError(t, err)

	// cache was invalidated: a cached read now reflects the add
	subs, err := f.service.Subscribers(context.Background(), "admin01", false)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "03123456", subs[0].PhoneNumber)

	// exactly one audit entry lands, asynchronously, and it is a success
	require.Eventually(t, func() bool {
		entries, err := f.service.AuditLog(context.Background(), "admin01", 10)
		return err == nil && len(entries) == 1
	}, time.Second, time.Millisecond*10)

	entries, err := f.service.AuditLog(context.Background(), "admin01", 10)
	require.NoError(t, err)
	require.True(t, entries[0].Success)
	require.Equal(t, "add", entries[0].Action)
	require.Equal(t, "03123456", entries[0].TargetPhone)
	require.Equal(t, "owner-1", entries[0].Owner)
	require.True(t, entries[0].QuotaGb.Valid)
	require.EqualValues(t, 5, entries[0].QuotaGb.Float64)
}

func TestAddValidation(t *testing.T) {
	f := setup(t)

	err := f.service.AddSubscriber(context.Background(), "admin01", "12", 5)
	require.ErrorIs(t, err, ErrInvalidPhone)

	err = f.service.AddSubscriber(context.Background(), "admin01", "03123456", 0)
	require.ErrorIs(t, err, ErrInvalidQuota)

	err = f.service.AddSubscriber(context.Background(), "admin01", "03123456", 41)
	require.ErrorIs(t, err, ErrInvalidQuota)

	// validation failures never touch the portal
	require.EqualValues(t, 0, f.portal.listingGets.Load())
}

func TestRemoveSubscriberEndToEnd(t *testing.T) {
	f := setup(t)
	f.portal.setSubscriber("96103123456", 5)

	err := f.service.RemoveSubscriber(context.Background(), "admin01", "03123456")
	require.NoError(t, err)

	subs, err := f.service.Subscribers(context.Background(), "admin01", true)
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestBillingCleanupClearsRemovalsOncePerDay(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	qry := db.New(f.database)

	// validity already passed
	err := f.service.RegisterAdmin(ctx, AdminConfig{
		Identity:     "admin01",
		Owner:        "owner-1",
		QuotaLimit:   40,
		ValidityDate: timezone.Now().AddDate(0, 0, -3),
	})
	require.NoError(t, err)

	err = qry.CreateRemoval(ctx, db.RemovalRow{
		Identity:   "admin01",
		Phone:      "71935446",
		FullPhone:  "96171935446",
		DetectedAt: timezone.Now().Unix(),
	})
	require.NoError(t, err)

	f.service.sweepBillingCleanup(ctx)

	removals, err := qry.ListRemovals(ctx, "admin01")
	require.NoError(t, err)
	require.Empty(t, removals)

	// a removal recorded later the same day survives the second sweep
	err = qry.CreateRemoval(ctx, db.RemovalRow{
		Identity:   "admin01",
		Phone:      "70313250",
		FullPhone:  "96170313250",
		DetectedAt: timezone.Now().Unix(),
	})
	require.NoError(t, err)

	f.service.sweepBillingCleanup(ctx)

	removals, err = qry.ListRemovals(ctx, "admin01")
	require.NoError(t, err)
	require.Len(t, removals, 1)
}

func TestBillingCleanupSkipsAdminsWithoutValidityDate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	qry := db.New(f.database)

	// no validity date configured; the zero time must not be stored as
	// a unix timestamp in year 1
	err := f.service.RegisterAdmin(ctx, AdminConfig{
		Identity:   "admin02",
		Owner:      "owner-2",
		QuotaLimit: 40,
	})
	require.NoError(t, err)

	admin, err := qry.GetAdmin(ctx, "admin02")
	require.NoError(t, err)
	require.Zero(t, admin.ValidityDate)

	err = qry.CreateRemoval(ctx, db.RemovalRow{
		Identity:   "admin02",
		Phone:      "71935446",
		FullPhone:  "96171935446",
		DetectedAt: timezone.Now().Unix(),
	})
	require.NoError(t, err)

	f.service.sweepBillingCleanup(ctx)

	// the removal ledger survives every sweep for this admin
	removals, err := qry.ListRemovals(ctx, "admin02")
	require.NoError(t, err)
	require.Len(t, removals, 1)
}
