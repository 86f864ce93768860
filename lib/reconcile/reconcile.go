// Package reconcile detects subscribers that were removed directly on
// the portal, outside this system's own mutation path. It is pure:
// snapshots in, removal entries out, no I/O.
package reconcile

import (
	"time"

	"quotashare-backend/lib/phoneutil"
	"quotashare-backend/lib/scrapers/ushare/listing"
	"quotashare-backend/lib/timezone"
)

// Removal is a subscriber that vanished from the portal while still
// Active, carrying its last known consumption so the owner can see
// what disappeared.
type Removal struct {
	PhoneNumber     string    `json:"phoneNumber"`
	FullPhoneNumber string    `json:"fullPhoneNumber"`
	UsedGB          float64   `json:"usedGb"`
	TotalGB         float64   `json:"totalGb"`
	DetectedAt      time.Time `json:"detectedAt"`
}

// presentNumbers builds the set of normalized numbers in a snapshot.
// Concatenation-corrupted entries contribute every repaired candidate,
// so a glued pair never hides either of its halves.
func presentNumbers(snapshot []listing.Subscriber) map[string]bool {
	present := make(map[string]bool, len(snapshot))
	for _, sub := range snapshot {
		for _, phone := range phoneutil.SplitConcatenated(sub.PhoneNumber) {
			present[phoneutil.Normalize(phone)] = true
		}
	}
	return present
}

// Diff compares the previous snapshot against the current one and
// returns the removals it newly detected plus the full merged removal
// list (recorded + new, deduplicated by phone number). Callers persist
// the merged list directly.
//
// Only Active subscribers are eligible: a Requested subscriber that
// disappears was simply never approved, which is expected.
func Diff(prev, curr []listing.Subscriber, recorded []Removal, now time.Time) (newRemovals, merged []Removal) {
	present := presentNumbers(curr)

	already := make(map[string]bool, len(recorded))
	merged = make([]Removal, 0, len(recorded))
	for _, r := range recorded {
		phone := phoneutil.Normalize(r.PhoneNumber)
		if already[phone] {
			continue
		}
		already[phone] = true
		merged = append(merged, r)
	}

	for _, sub := range prev {
		if sub.Status != listing.StatusActive {
			continue
		}
		phone := phoneutil.Normalize(sub.PhoneNumber)
		if present[phone] || already[phone] {
			continue
		}
		removal := Removal{
			PhoneNumber:     phone,
			FullPhoneNumber: phoneutil.Full(phone),
			UsedGB:          sub.UsedGB,
			TotalGB:         sub.TotalGB,
			DetectedAt:      now,
		}
		already[phone] = true
		newRemovals = append(newRemovals, removal)
		merged = append(merged, removal)
	}

	return newRemovals, merged
}

// ShouldCleanup reports whether the removal list should be cleared:
// today is strictly past the billing validity date and no cleanup has
// run yet today. The last-cleanup marker makes the clear at most
// once per calendar day.
func ShouldCleanup(lastCleanup, validity, today time.Time) bool {
	if !timezone.Midnight(today).After(timezone.Midnight(validity)) {
		return false
	}
	if !lastCleanup.IsZero() && timezone.SameDay(lastCleanup, today) {
		return false
	}
	return true
}
