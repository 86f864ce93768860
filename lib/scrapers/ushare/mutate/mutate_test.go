package mutate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quotashare-backend/lib/scrapers/ushare/core"
	"quotashare-backend/lib/scrapers/ushare/session"
	"quotashare-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

const fakeToken = "tok-f00"

// fakePortal is a stateful stand-in for the reseller portal. Mutations
// respond with a redirect and no markers, which forces the executor
// through its verification path unless a test overrides the behavior.
type fakePortal struct {
	mu          sync.Mutex
	subscribers map[string]float64 // full phone -> quota GB
	validAuth   map[string]bool
	rejectNext  bool // next mutation POST renders an explicit failure
	silentDrop  bool // mutation POSTs succeed upstream but apply nothing
	lastAddForm url.Values

	loginPosts atomic.Int64
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		subscribers: map[string]float64{},
		validAuth:   map[string]bool{},
	}
}

func (f *fakePortal) authed(r *http.Request) bool {
	c, err := r.Cookie(".ASPXAUTH")
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validAuth[c.Value]
}

func (f *fakePortal) invalidateSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validAuth = map[string]bool{}
}

func (f *fakePortal) listingHtml() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var b strings.Builder
	b.WriteString(`<html><body><div id="quota-summary" data-max-quota="40">Shared quota</div>`)
	for phone, quota := range f.subscribers {
		fmt.Fprintf(&b, `<div class="subscriber-card" data-used="0" data-total="%s">
<span class="msisdn">%s</span>
<span class="status-label">Active</span>
<a href="/myaccount/sharedservices/edit?msisdn=%s">Edit</a>
<a href="/myaccount/sharedservices/delete?msisdn=%s">Remove</a>
</div>`, strconv.FormatFloat(quota, 'f', -1, 64), phone, phone, phone)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func formHtml(action string) string {
	return fmt.Sprintf(`<html><body><form method="post" action="%s">
<input type="hidden" name="__RequestVerificationToken" value="%s" />
<input type="hidden" name="AccountId" value="A77" />
</form></body></html>`, action, fakeToken)
}

const loginFormHtml = `<html><body>
<form id="login-form" name="LoginForm" method="post" action="/login">
<input name="__RequestVerificationToken" type="hidden" value="` + fakeToken + `" />
<p>Sign in to your account</p>
</form></body></html>`

func (f *fakePortal) mutationPost(w http.ResponseWriter, r *http.Request, apply func()) {
	if r.FormValue("__RequestVerificationToken") != fakeToken ||
		r.FormValue("AccountId") != "A77" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `<div class="alert-danger">invalid form</div>`)
		return
	}

	f.mu.Lock()
	reject := f.rejectNext
	f.rejectNext = false
	silent := f.silentDrop
	f.mu.Unlock()

	if reject {
		fmt.Fprint(w, `<html><body><div class="alert-danger">Operation failed</div></body></html>`)
		return
	}
	if !silent {
		apply()
	}
	http.Redirect(w, r, "/myaccount/sharedservices", http.StatusFound)
}

func (f *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginFormHtml)
	})
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		f.loginPosts.Add(1)
		value := "auth-" + strconv.FormatInt(f.loginPosts.Load(), 10)
		f.mu.Lock()
		f.validAuth[value] = true
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: ".ASPXAUTH", Value: value, Path: "/"})
		http.Redirect(w, r, "/myaccount/sharedservices", http.StatusFound)
	})

	guard := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !f.authed(r) {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("GET /myaccount/sharedservices", guard(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, f.listingHtml())
	}))
	mux.HandleFunc("GET /myaccount/sharedservices/add", guard(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, formHtml("/myaccount/sharedservices/add"))
	}))
	mux.HandleFunc("POST /myaccount/sharedservices/add", guard(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		f.lastAddForm = r.PostForm
		f.mu.Unlock()
		if r.FormValue("Msisdn") == "" || r.FormValue("Quota") == "" {
			fmt.Fprint(w, `<html><body><div class="validation-summary-errors">The Msisdn field is required.</div></body></html>`)
			return
		}
		f.mutationPost(w, r, func() {
			quota, _ := strconv.ParseFloat(r.FormValue("Quota"), 64)
			f.mu.Lock()
			f.subscribers[r.FormValue("Msisdn")] = quota
			f.mu.Unlock()
		})
	}))
	mux.HandleFunc("GET /myaccount/sharedservices/edit", guard(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, formHtml("/myaccount/sharedservices/edit?msisdn="+r.URL.Query().Get("msisdn")))
	}))
	mux.HandleFunc("POST /myaccount/sharedservices/edit", guard(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("Quota") == "" {
			fmt.Fprint(w, `<html><body><div class="validation-summary-errors">The Quota field is required.</div></body></html>`)
			return
		}
		f.mutationPost(w, r, func() {
			quota, _ := strconv.ParseFloat(r.FormValue("Quota"), 64)
			f.mu.Lock()
			f.subscribers[r.URL.Query().Get("msisdn")] = quota
			f.mu.Unlock()
		})
	}))
	mux.HandleFunc("GET /myaccount/sharedservices/delete", guard(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, formHtml("/myaccount/sharedservices/delete?msisdn="+r.URL.Query().Get("msisdn")))
	}))
	mux.HandleFunc("POST /myaccount/sharedservices/delete", guard(func(w http.ResponseWriter, r *http.Request) {
		f.mutationPost(w, r, func() {
			f.mu.Lock()
			delete(f.subscribers, r.URL.Query().Get("msisdn"))
			f.mu.Unlock()
		})
	}))

	return mux
}

type recordingSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *recordingSink) Report(ctx context.Context, r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *recordingSink) all() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

type fixture struct {
	portal        *fakePortal
	executor      *Executor
	sink          *recordingSink
	invalidations *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cleanup := telemetry.SetupForTesting(t, "test:ushare/mutate")
	t.Cleanup(cleanup)

	portal := newFakePortal()
	server := httptest.NewServer(portal.handler())
	t.Cleanup(server.Close)

	coreClient, err := core.NewClient(core.ClientOptions{BaseUrl: server.URL})
	require.NoError(t, err)

	sessions, err := session.NewManager(session.Options{
		BaseUrl: server.URL,
		Source: session.StaticCredentials{
			"admin01": {Username: "admin01", Password: "hunter2"},
		},
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	var invalidations atomic.Int64
	executor, err := NewExecutor(Options{
		Core:     coreClient,
		Sessions: sessions,
		Audit:    sink,
		InvalidateCache: func(identity string) {
			invalidations.Add(1)
		},
		SettleDelay: time.Millisecond * 5,
	})
	require.NoError(t, err)

	return &fixture{
		portal:        portal,
		executor:      executor,
		sink:          sink,
		invalidations: &invalidations,
	}
}

func (f *fixture) waitForReport(t *testing.T) Report {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.sink.all()) == 1
	}, time.Second, time.Millisecond*5)
	return f.sink.all()[0]
}

func TestAddAmbiguousThenVerified(t *testing.T) {
	f := newFixture(t)

	err := f.executor.Add(context.Background(), "admin01", "03123456", 5)
	require.NoError(t, err)

	report := f.waitForReport(t)
	require.True(t, report.Success)
	require.Equal(t, ActionAdd, report.Action)
	require.Equal(t, "03123456", report.TargetPhone)
	require.True(t, report.HasQuota)
	require.EqualValues(t, 5, report.QuotaGB)

	// invalidated before the exchange and again after success
	require.EqualValues(t, 2, f.invalidations.Load())
}

func TestAddSubmitsPayloadWithPreservedHiddenFields(t *testing.T) {
	f := newFixture(t)

	err := f.executor.Add(context.Background(), "admin01", "03123456", 5)
	require.NoError(t, err)

	f.portal.mu.Lock()
	form := f.portal.lastAddForm
	f.portal.mu.Unlock()
	require.Equal(t, "96103123456", form.Get("Msisdn"))
	require.Equal(t, "5", form.Get("Quota"))
	// hidden fields from the fetched form ride along untouched
	require.Equal(t, "A77", form.Get("AccountId"))
	require.Equal(t, fakeToken, form.Get("__RequestVerificationToken"))
}

func TestAddExplicitFailure(t *testing.T) {
	f := newFixture(t)
	f.portal.rejectNext = true

	err := f.executor.Add(context.Background(), "admin01", "03123456", 5)
	require.Error(t, err)

	report := f.waitForReport(t)
	require.False(t, report.Success)
	require.NotEmpty(t, report.ErrorMessage)

	// explicit rejection is terminal, no second submission
	f.portal.mu.Lock()
	defer f.portal.mu.Unlock()
	require.Empty(t, f.portal.subscribers)
}

func TestEditQuotaVerified(t *testing.T) {
	f := newFixture(t)
	f.portal.subscribers["96103123456"] = 5

	err := f.executor.EditQuota(context.Background(), "admin01", "03123456", 8)
	require.NoError(t, err)

	f.portal.mu.Lock()
	defer f.portal.mu.Unlock()
	require.EqualValues(t, 8, f.portal.subscribers["96103123456"])
}

func TestRemoveVerified(t *testing.T) {
	f := newFixture(t)
	f.portal.subscribers["96103123456"] = 5

	err := f.executor.Remove(context.Background(), "admin01", "03123456")
	require.NoError(t, err)

	f.portal.mu.Lock()
	defer f.portal.mu.Unlock()
	require.Empty(t, f.portal.subscribers)
}

func TestRemovePendingSubscriberUsesFallbackUrl(t *testing.T) {
	f := newFixture(t)
	// no card rendered for this number, so the executor must build the
	// deterministic delete URL itself
	err := f.executor.Remove(context.Background(), "admin01", "76590026")
	require.NoError(t, err)
}

func TestStaleSessionTriggersRefreshAndRestart(t *testing.T) {
	f := newFixture(t)
	f.portal.subscribers["96103123456"] = 5

	// prime a session, then kill it server-side
	_, err := f.executor.sessions.Acquire(context.Background(), "admin01")
	require.NoError(t, err)
	f.portal.invalidateSessions()

	err = f.executor.EditQuota(context.Background(), "admin01", "03123456", 9)
	require.NoError(t, err)
	require.EqualValues(t, 2, f.portal.loginPosts.Load())
}

func TestFailedVerificationIsHardFailure(t *testing.T) {
	f := newFixture(t)
	f.portal.silentDrop = true

	err := f.executor.Add(context.Background(), "admin01", "03123456", 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "verification failed")

	report := f.waitForReport(t)
	require.False(t, report.Success)
}
