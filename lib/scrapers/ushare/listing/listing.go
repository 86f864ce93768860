package listing

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"quotashare-backend/lib/htmlutil"
	"quotashare-backend/lib/phoneutil"
	"quotashare-backend/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = telemetry.Tracer("scrapers/ushare/listing")

type Status string

const (
	StatusActive    Status = "Active"
	StatusRequested Status = "Requested"
	StatusUnknown   Status = "Unknown"
)

// Subscriber is one shared-quota line as rendered on the listing
// page. Records are immutable once produced; a fresh fetch produces
// fresh records.
type Subscriber struct {
	PhoneNumber     string
	FullPhoneNumber string
	Status          Status
	UsedGB          float64
	TotalGB         float64
}

// Page is the parsed subscriber-listing page.
type Page struct {
	Subscribers []Subscriber
	// the portal renders the account's maximum shareable quota in the
	// summary header; 0 when absent
	MaxQuotaGB float64
	// HasSummary is the minimum-viability marker: a listing response
	// without the quota summary is a partial page and must never be
	// persisted as "this account has no subscribers"
	HasSummary bool
}

func Parse(ctx context.Context, body []byte) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, err
	}

	page := Page{
		Subscribers: ParseSubscribers(ctx, doc),
		HasSummary:  HasQuotaSummary(doc),
	}
	if quota, ok := MaxQuota(doc); ok {
		page.MaxQuotaGB = quota
	}
	return page, nil
}

func HasQuotaSummary(doc *goquery.Document) bool {
	return len(doc.Find("#quota-summary").Nodes) > 0
}

func MaxQuota(doc *goquery.Document) (float64, bool) {
	attr := doc.Find("#quota-summary").AttrOr("data-max-quota", "")
	if attr == "" {
		attr = doc.Find("input[name=MaxQuota]").AttrOr("value", "")
	}
	if attr == "" {
		return 0, false
	}
	quota, err := strconv.ParseFloat(strings.TrimSpace(attr), 64)
	if err != nil {
		return 0, false
	}
	return quota, true
}

// ParseSubscribers walks every subscriber card on the listing page.
// Cards missing a usable phone number are logged and skipped, never
// fabricated.
func ParseSubscribers(ctx context.Context, doc *goquery.Document) []Subscriber {
	ctx, span := tracer.Start(ctx, "ParseSubscribers")
	defer span.End()

	var subscribers []Subscriber
	doc.Find("div.subscriber-card").Each(func(i int, card *goquery.Selection) {
		phone, ok := extractPhone(card)
		if !ok {
			slog.WarnContext(ctx, "skipping subscriber card without phone number", "index", i)
			return
		}

		used, total := extractConsumption(card)
		subscribers = append(subscribers, Subscriber{
			PhoneNumber:     phoneutil.Normalize(phone),
			FullPhoneNumber: phoneutil.Full(phone),
			Status:          extractStatus(card),
			UsedGB:          used,
			TotalGB:         total,
		})
	})

	span.SetAttributes(attribute.Int("subscriber_count", len(subscribers)))
	return subscribers
}

func extractStatus(card *goquery.Selection) Status {
	label := htmlutil.CleanText(card.Find(".status-label").First().Text())
	switch {
	case strings.EqualFold(label, "active"):
		return StatusActive
	case strings.EqualFold(label, "requested"), strings.EqualFold(label, "pending"):
		return StatusRequested
	}
	return StatusUnknown
}

var digitRunRegex = regexp.MustCompile(`\d{8,14}`)

// extractPhone resolves the card's phone number through a prioritized
// chain of strategies; the portal's markup is inconsistent between
// account types and portal releases, so no single selector is
// reliable.
func extractPhone(card *goquery.Selection) (string, bool) {
	// 1. the explicit number element
	if text := htmlutil.CleanText(card.Find(".msisdn").First().Text()); text != "" {
		if digits := digitsOf(text); len(digits) >= phoneutil.LocalLength {
			return digits, true
		}
	}

	// 2. the identifier attribute on the card itself
	if attr := card.AttrOr("data-msisdn", ""); attr != "" {
		if digits := digitsOf(attr); len(digits) >= phoneutil.LocalLength {
			return digits, true
		}
	}

	// 3. regex scan over the card's text
	text := strings.NewReplacer(" ", "", "-", "", "\u00a0", "").Replace(card.Text())
	if match := digitRunRegex.FindString(text); match != "" {
		return match, true
	}

	// 4. the delete-action link's query parameter
	href := card.Find("a[href*=delete]").First().AttrOr("href", "")
	if href != "" {
		if link, err := url.Parse(href); err == nil {
			if msisdn := link.Query().Get("msisdn"); len(digitsOf(msisdn)) >= phoneutil.LocalLength {
				return msisdn, true
			}
		}
	}

	return "", false
}

func digitsOf(s string) string {
	var out strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			out.WriteRune(c)
		}
	}
	return out.String()
}

var consumptionRegex = regexp.MustCompile(`(?i)([\d.,]+)\s*/\s*([\d.,]+)\s*(GB|MB)`)

func extractConsumption(card *goquery.Selection) (used, total float64) {
	usedAttr := card.AttrOr("data-used", "")
	totalAttr := card.AttrOr("data-total", "")
	if usedAttr != "" && totalAttr != "" {
		u, uerr := strconv.ParseFloat(usedAttr, 64)
		t, terr := strconv.ParseFloat(totalAttr, 64)
		if uerr == nil && terr == nil {
			return u, t
		}
	}

	groups := consumptionRegex.FindStringSubmatch(card.Text())
	if len(groups) < 4 {
		return 0, 0
	}
	u, uerr := strconv.ParseFloat(strings.ReplaceAll(groups[1], ",", ""), 64)
	t, terr := strconv.ParseFloat(strings.ReplaceAll(groups[2], ",", ""), 64)
	if uerr != nil || terr != nil {
		return 0, 0
	}
	if strings.EqualFold(groups[3], "MB") {
		u /= 1024
		t /= 1024
	}
	return u, t
}

// FindCard locates the card for a normalized phone number, tolerant of
// leading-zero and country-code variance between what we hold and what
// the portal renders.
func FindCard(doc *goquery.Document, phone string) *goquery.Selection {
	want := phoneutil.Normalize(phone)
	var found *goquery.Selection
	doc.Find("div.subscriber-card").EachWithBreak(func(_ int, card *goquery.Selection) bool {
		got, ok := extractPhone(card)
		if !ok {
			return true
		}
		if phoneutil.Normalize(got) == want {
			found = card
			return false
		}
		return true
	})
	return found
}

// ActionHref returns the card's action link (delete/edit) matching the
// given substring, or "".
func ActionHref(card *goquery.Selection, marker string) string {
	if card == nil {
		return ""
	}
	return card.Find("a[href*=" + marker + "]").First().AttrOr("href", "")
}
