// Package mutate drives the portal's add/edit/remove subscriber flows
// and refuses to report success it has not seen or verified.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"quotashare-backend/lib/htmlutil"
	"quotashare-backend/lib/phoneutil"
	"quotashare-backend/lib/scrapers/ushare/core"
	"quotashare-backend/lib/scrapers/ushare/listing"
	"quotashare-backend/lib/scrapers/ushare/session"
	"quotashare-backend/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = telemetry.Tracer("scrapers/ushare/mutate")

type Action string

const (
	ActionAdd    Action = "add"
	ActionEdit   Action = "edit"
	ActionRemove Action = "remove"
)

// Report is one terminal mutation outcome handed to the audit sink.
type Report struct {
	Identity     string
	Action       Action
	TargetPhone  string
	QuotaGB      float64
	HasQuota     bool
	Success      bool
	ErrorMessage string
}

// AuditSink receives terminal outcomes. Implementations must tolerate
// being called from a detached goroutine; delivery is best-effort.
type AuditSink interface {
	Report(ctx context.Context, r Report)
}

// CacheInvalidator drops any cached subscriber snapshot for an
// identity.
type CacheInvalidator func(identity string)

const (
	// one restart is allowed, and only for authorization failures
	maxAttempts = 2

	defaultSettleDelay = time.Millisecond * 1500
	tokenFieldName     = "__RequestVerificationToken"
)

type Options struct {
	Core     *core.Client
	Sessions *session.Manager
	Audit    AuditSink
	// may be nil when no read cache sits above the executor
	InvalidateCache CacheInvalidator
	// wait before the verification fetch; defaults to 1.5s
	SettleDelay time.Duration
}

type Executor struct {
	core     *core.Client
	sessions *session.Manager
	audit    AuditSink
	invalid  CacheInvalidator
	settle   time.Duration
}

func NewExecutor(opts Options) (*Executor, error) {
	if opts.Core == nil || opts.Sessions == nil {
		return nil, errors.New("mutate: core client and session manager are required")
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	return &Executor{
		core:     opts.Core,
		sessions: opts.Sessions,
		audit:    opts.Audit,
		invalid:  opts.InvalidateCache,
		settle:   settle,
	}, nil
}

// mutation describes one portal flow declaratively so Add, Edit and
// Remove share the locate/token/submit/verify machinery.
type mutation struct {
	action   Action
	phone    string
	quotaGB  float64
	hasQuota bool

	// resolves the form URL from the live listing; doc is nil when the
	// flow needs no card (add)
	formUrl func(doc *goquery.Document) string
	// extra form fields beyond the preserved hidden ones
	fields map[string]string
	// target state on the listing page after the mutation
	verified func(page listing.Page) bool
}

// Add requests a new shared-quota subscriber.
func (e *Executor) Add(ctx context.Context, identity, phone string, quotaGB float64) error {
	normalized := phoneutil.Normalize(phone)
	return e.run(ctx, identity, mutation{
		action:   ActionAdd,
		phone:    normalized,
		quotaGB:  quotaGB,
		hasQuota: true,
		formUrl: func(*goquery.Document) string {
			return core.EndpointAddSubscriber
		},
		fields: map[string]string{
			"Msisdn": phoneutil.Full(normalized),
			"Quota":  formatQuota(quotaGB),
		},
		verified: func(page listing.Page) bool {
			return findSubscriber(page, normalized) != nil
		},
	})
}

// EditQuota changes an existing subscriber's quota limit.
func (e *Executor) EditQuota(ctx context.Context, identity, phone string, quotaGB float64) error {
	normalized := phoneutil.Normalize(phone)
	return e.run(ctx, identity, mutation{
		action:   ActionEdit,
		phone:    normalized,
		quotaGB:  quotaGB,
		hasQuota: true,
		formUrl: func(doc *goquery.Document) string {
			return actionUrl(doc, normalized, "edit", core.EndpointEditSubscriber)
		},
		fields: map[string]string{
			"Quota": formatQuota(quotaGB),
		},
		verified: func(page listing.Page) bool {
			sub := findSubscriber(page, normalized)
			return sub != nil && math.Abs(sub.TotalGB-quotaGB) < 0.01
		},
	})
}

// Remove walks the delete-confirmation flow for a subscriber.
func (e *Executor) Remove(ctx context.Context, identity, phone string) error {
	normalized := phoneutil.Normalize(phone)
	return e.run(ctx, identity, mutation{
		action: ActionRemove,
		phone:  normalized,
		formUrl: func(doc *goquery.Document) string {
			return actionUrl(doc, normalized, "delete", core.EndpointRemoveSubscriber)
		},
		fields: map[string]string{},
		verified: func(page listing.Page) bool {
			return findSubscriber(page, normalized) == nil
		},
	})
}

func (e *Executor) run(ctx context.Context, identity string, m mutation) error {
	ctx, span := tracer.Start(ctx, "executor:"+string(m.action))
	defer span.End()
	span.SetAttributes(
		attribute.String("identity", identity),
		attribute.String("phone", m.phone),
	)

	// stale reads are bounded on both sides of the exchange
	e.invalidate(identity)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := e.attempt(ctx, identity, m)
		if err == nil {
			e.invalidate(identity)
			e.report(ctx, identity, m, nil)
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil
		}
		lastErr = err

		// only authorization failures earn a restart: resubmitting
		// after anything else risks applying the mutation twice
		if !restartable(err) || attempt == maxAttempts {
			break
		}
		slog.WarnContext(ctx, "mutation attempt hit stale session, refreshing",
			"identity", identity, "action", m.action, "attempt", attempt)
		if _, rerr := e.sessions.Refresh(ctx, identity); rerr != nil {
			lastErr = rerr
			break
		}
	}

	e.invalidate(identity)
	e.report(ctx, identity, m, lastErr)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "mutation failed")
	return lastErr
}

func restartable(err error) bool {
	return core.IsUnauthorized(err) || errors.Is(err, listing.ErrNoToken)
}

func (e *Executor) attempt(ctx context.Context, identity string, m mutation) error {
	sess, err := e.sessions.Acquire(ctx, identity)
	if err != nil {
		return err
	}

	formUrl, err := e.locate(ctx, sess, m)
	if err != nil {
		return err
	}

	form, formDoc, err := e.fetchForm(ctx, sess, formUrl)
	if err != nil {
		return err
	}
	// the mutation's own payload goes on top of the preserved hidden
	// fields; without it the portal sees an empty submission
	for name, value := range m.fields {
		form.Set(name, value)
	}

	submitUrl := formDoc.Find("form").AttrOr("action", "")
	if submitUrl == "" {
		submitUrl = formUrl
	}

	res, err := e.core.Request(ctx, submitUrl, sess.Cookies, core.Options{
		Method: http.MethodPost,
		Form:   form,
	})
	if err != nil {
		return err
	}

	switch ClassifyBody(res.Body) {
	case OutcomeSuccess:
		return nil
	case OutcomeFailure:
		return fmt.Errorf("portal rejected %s of %s", m.action, m.phone)
	}
	return e.verify(ctx, sess, m, res.Redirected)
}

// locate fetches the live listing and resolves the mutation's form
// URL. Add never needs the listing; edit/remove fall back to a
// deterministic URL when the card is not rendered yet (pending
// subscribers).
func (e *Executor) locate(ctx context.Context, sess session.Session, m mutation) (string, error) {
	if m.action == ActionAdd {
		return m.formUrl(nil), nil
	}

	res, err := e.core.Request(ctx, core.EndpointSubscribers, sess.Cookies, core.Options{})
	if err != nil {
		return "", err
	}
	doc, err := res.Document()
	if err != nil {
		return "", err
	}
	return m.formUrl(doc), nil
}

func (e *Executor) fetchForm(ctx context.Context, sess session.Session, formUrl string) (url.Values, *goquery.Document, error) {
	res, err := e.core.Request(ctx, formUrl, sess.Cookies, core.Options{})
	if err != nil {
		return nil, nil, err
	}

	token, err := listing.ExtractToken(res.Body)
	if err != nil {
		return nil, nil, err
	}
	doc, err := res.Document()
	if err != nil {
		return nil, nil, err
	}

	// the portal rejects posts that drop any of its hidden fields
	form := url.Values{}
	for name, value := range htmlutil.HiddenInputs(doc.Find("form")) {
		form.Set(name, value)
	}
	form.Set(tokenFieldName, token)
	return form, doc, nil
}

// verify re-fetches the listing after a settle delay and checks the
// target state. A redirected submission whose verification fetch fails
// is a probable success; a readable listing that does not show the
// target state is a hard failure.
func (e *Executor) verify(ctx context.Context, sess session.Session, m mutation, redirected bool) error {
	select {
	case <-time.After(e.settle):
	case <-ctx.Done():
		return ctx.Err()
	}

	res, err := e.core.Request(ctx, core.EndpointSubscribers, sess.Cookies, core.Options{})
	if err != nil {
		if redirected {
			slog.WarnContext(ctx, "verification fetch failed after redirect, assuming success",
				"action", m.action, "phone", m.phone, "err", err)
			return nil
		}
		return fmt.Errorf("could not verify %s of %s: %w", m.action, m.phone, err)
	}

	page, err := listing.Parse(ctx, res.Body)
	if err != nil {
		if redirected {
			return nil
		}
		return fmt.Errorf("could not verify %s of %s: %w", m.action, m.phone, err)
	}

	if m.verified(page) {
		return nil
	}
	return fmt.Errorf("verification failed: %s of %s not reflected on the portal", m.action, m.phone)
}

func (e *Executor) invalidate(identity string) {
	if e.invalid != nil {
		e.invalid(identity)
	}
}

// report delivers the terminal outcome to the audit sink without ever
// blocking or failing the mutation itself.
func (e *Executor) report(ctx context.Context, identity string, m mutation, opErr error) {
	if e.audit == nil {
		return
	}
	r := Report{
		Identity:    identity,
		Action:      m.action,
		TargetPhone: m.phone,
		QuotaGB:     m.quotaGB,
		HasQuota:    m.hasQuota,
		Success:     opErr == nil,
	}
	if opErr != nil {
		r.ErrorMessage = opErr.Error()
	}
	go e.audit.Report(context.WithoutCancel(ctx), r)
}

func actionUrl(doc *goquery.Document, phone, marker, fallback string) string {
	if doc != nil {
		card := listing.FindCard(doc, phone)
		if href := listing.ActionHref(card, marker); href != "" {
			return href
		}
	}
	return fallback + "?msisdn=" + url.QueryEscape(phoneutil.Full(phone))
}

func findSubscriber(page listing.Page, phone string) *listing.Subscriber {
	want := phoneutil.Normalize(phone)
	for i := range page.Subscribers {
		if page.Subscribers[i].PhoneNumber == want {
			return &page.Subscribers[i]
		}
	}
	return nil
}

func formatQuota(quotaGB float64) string {
	return strconv.FormatFloat(quotaGB, 'f', -1, 64)
}
