package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Asia/Beirut")
	if err != nil {
		panic(err)
	}
}

// billing validity dates are calendar dates in the carrier's local
// timezone, so "today" must be computed there no matter where the
// server happens to run
func Now() time.Time {
	return time.Now().In(Location)
}

// Midnight truncates t to the start of its calendar day in the
// carrier timezone.
func Midnight(t time.Time) time.Time {
	t = t.In(Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, Location)
}

// SameDay reports whether a and b fall on the same calendar day in the
// carrier timezone.
func SameDay(a, b time.Time) bool {
	a = a.In(Location)
	b = b.In(Location)
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
