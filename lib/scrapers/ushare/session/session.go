// Package session owns portal logins. Everything above it works with
// cookies it minted; nothing else in the codebase is allowed to POST
// the login form.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"quotashare-backend/lib/scrapers/ushare/core"
	"quotashare-backend/lib/scrapers/ushare/listing"
	"quotashare-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = telemetry.Tracer("scrapers/ushare/session")

var ErrLoginFailed = errors.New("portal rejected the provided credentials")

const (
	defaultTtl   = time.Minute * 20
	loginTimeout = time.Second * 30
)

type Credential struct {
	Username string
	Password string
}

// CredentialSource resolves an admin identity to its portal login.
type CredentialSource interface {
	Credentials(ctx context.Context, identity string) (Credential, error)
}

// StaticCredentials is a config-backed credential source keyed by
// identity.
type StaticCredentials map[string]Credential

func (s StaticCredentials) Credentials(ctx context.Context, identity string) (Credential, error) {
	cred, ok := s[identity]
	if !ok {
		return Credential{}, fmt.Errorf("no credentials for identity %q", identity)
	}
	return cred, nil
}

// Session is a set of authenticated cookies for one identity. It is a
// value: invalidation never mutates a session a caller already holds,
// it only stops the manager from handing it out again.
type Session struct {
	Identity   string
	Cookies    []*http.Cookie
	ObtainedAt time.Time
}

type Options struct {
	BaseUrl string
	Source  CredentialSource
	// defaults to 20 minutes
	Ttl time.Duration
	// defaults to the same desktop chrome agent the request client uses
	UserAgent string
}

// Manager caches one live session per identity and collapses
// concurrent login storms into a single portal login via singleflight.
type Manager struct {
	baseUrl *url.URL
	source  CredentialSource
	ttl     time.Duration
	ua      string

	flight   singleflight.Group
	mu       sync.Mutex
	sessions map[string]Session
}

func NewManager(opts Options) (*Manager, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	if opts.Source == nil {
		return nil, errors.New("session: credential source is required")
	}
	ttl := opts.Ttl
	if ttl <= 0 {
		ttl = defaultTtl
	}
	return &Manager{
		baseUrl:  baseUrl,
		source:   opts.Source,
		ttl:      ttl,
		ua:       opts.UserAgent,
		sessions: map[string]Session{},
	}, nil
}

func (m *Manager) Ttl() time.Duration {
	return m.ttl
}

func (m *Manager) fresh(identity string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[identity]
	if !ok || time.Since(sess.ObtainedAt) >= m.ttl {
		return Session{}, false
	}
	return sess, true
}

// Acquire returns a live session for the identity, logging in if the
// cached one is missing or expired. Concurrent callers for the same
// identity share one login.
func (m *Manager) Acquire(ctx context.Context, identity string) (Session, error) {
	if sess, ok := m.fresh(identity); ok {
		return sess, nil
	}
	return m.refresh(ctx, identity)
}

// Refresh unconditionally mints a new session, replacing whatever was
// cached. Callers use it after the portal rejects cookies that were
// thought to be live.
func (m *Manager) Refresh(ctx context.Context, identity string) (Session, error) {
	m.Invalidate(identity)
	return m.refresh(ctx, identity)
}

func (m *Manager) refresh(ctx context.Context, identity string) (Session, error) {
	value, err, shared := m.flight.Do(identity, func() (any, error) {
		// a racing caller may have refreshed while we waited on the
		// flight lock
		if sess, ok := m.fresh(identity); ok {
			return sess, nil
		}
		// the flight's result is shared with joiners, so the login must
		// not die with the leading caller's deadline; the client's own
		// loginTimeout still bounds it
		sess, err := m.login(context.WithoutCancel(ctx), identity)
		if err != nil {
			return Session{}, err
		}
		m.mu.Lock()
		m.sessions[identity] = sess
		m.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return Session{}, err
	}
	if shared {
		slog.DebugContext(ctx, "joined in-flight login", "identity", identity)
	}
	return value.(Session), nil
}

// Invalidate drops the cached session so the next Acquire logs in
// again. Safe to call for identities with no cached session.
func (m *Manager) Invalidate(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, identity)
}

// Identities lists every identity with a cached session and its age,
// for the status surface.
func (m *Manager) Identities() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.sessions))
	for identity, sess := range m.sessions {
		out[identity] = sess.ObtainedAt
	}
	return out
}

func (m *Manager) login(ctx context.Context, identity string) (Session, error) {
	ctx, span := tracer.Start(ctx, "manager:login")
	defer span.End()
	span.SetAttributes(attribute.String("identity", identity))

	cred, err := m.source.Credentials(ctx, identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve credentials")
		return Session{}, err
	}

	client, jar, err := m.newLoginClient()
	if err != nil {
		return Session{}, err
	}

	res, err := client.R().
		SetContext(ctx).
		Get(core.EndpointLogin)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch login form")
		return Session{}, err
	}
	token, err := listing.ExtractToken(res.Body())
	if err != nil {
		span.SetStatus(codes.Error, "login form had no anti-forgery token")
		return Session{}, err
	}

	res, err = client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"UserName":                   cred.Username,
			"Password":                   cred.Password,
			"__RequestVerificationToken": token,
		}).
		Post(core.EndpointLogin)
	if err != nil {
		span.SetStatus(codes.Error, "login post failed")
		return Session{}, err
	}

	cookies := jar.Cookies(m.baseUrl)
	// a failed login re-renders the form instead of redirecting, so
	// landing back on the login page means rejection even with a 200
	if !hasAuthCookie(cookies) || core.IsLoginPage(res.Body()) {
		span.SetStatus(codes.Error, "credentials rejected")
		return Session{}, fmt.Errorf("%w: identity %q", ErrLoginFailed, identity)
	}

	slog.InfoContext(ctx, "logged in", "identity", identity)
	return Session{
		Identity:   identity,
		Cookies:    cookies,
		ObtainedAt: time.Now(),
	}, nil
}

// the login client is separate from the request client on purpose: it
// carries a per-login cookie jar and follows redirects, because the
// portal bounces through a post-login redirect before settling
func (m *Manager) newLoginClient() (*resty.Client, *cookiejar.Jar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, err
	}

	client := resty.New()
	client.SetBaseURL(m.baseUrl.String())
	client.SetCookieJar(jar)
	client.SetTimeout(loginTimeout)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	if m.ua != "" {
		client.SetHeader("user-agent", m.ua)
	} else {
		client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	}
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(m.baseUrl.Hostname()))

	telemetry.InstrumentResty(client, "scrapers/ushare/login")
	return client, jar, nil
}

func hasAuthCookie(cookies []*http.Cookie) bool {
	for _, c := range cookies {
		if c.Name == core.AuthCookieName && c.Value != "" {
			return true
		}
	}
	return false
}
