package render

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Window is a rolling from/to time range appended to dashboard URLs.
type Window struct {
	From time.Time
	To   time.Time
}

// FromMillis returns From as Unix milliseconds.
func (w Window) FromMillis() int64 { return w.From.UnixMilli() }

// ToMillis returns To as Unix milliseconds.
func (w Window) ToMillis() int64 { return w.To.UnixMilli() }

// Contains reports whether t lies in [From, To).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

const day = 24 * time.Hour

var durationBuckets = map[string]time.Duration{
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  day,
	"2d":  2 * day,
	"5d":  5 * day,
	"7d":  7 * day,
}

var (
	nonDigits  = regexp.MustCompile(`[^0-9]`)
	leadingInt = regexp.MustCompile(`^\s*[+-]?\d+`)
)

// DurationFromLabel maps a duration label to a duration. Labels outside the
// fixed buckets are read as a number of hours from their digits; anything
// unusable means 24h.
func DurationFromLabel(label string) time.Duration {
	if d, ok := durationBuckets[label]; ok {
		return d
	}
	h, err := strconv.Atoi(nonDigits.ReplaceAllString(label, ""))
	if err != nil || h <= 0 {
		return day
	}
	return time.Duration(h) * time.Hour
}

// ComputeWindow returns the window for a daily start time "HH:MM" and a
// duration label. From is the latest start at or before now; while now is
// past To the window moves forward one whole day, so the result always
// contains now.
func ComputeWindow(now time.Time, start, duration string) Window {
	if start == "" {
		start = "12:00"
	}
	if duration == "" {
		duration = "1d"
	}
	parts := strings.Split(start, ":")
	hour := clockField(parts, 0, 12, 23)
	minute := clockField(parts, 1, 0, 59)
	dur := DurationFromLabel(duration)

	from := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.Before(from) {
		from = from.Add(-day)
	}
	to := from.Add(dur)
	for !now.Before(to) {
		from = from.Add(day)
		to = from.Add(dur)
	}
	return Window{From: from, To: to}
}

// clockField reads parts[i] as a leading integer clamped to [0,hi]. A missing
// field yields def; an unparseable one yields 0.
func clockField(parts []string, i, def, hi int) int {
	if i >= len(parts) || parts[i] == "" {
		return def
	}
	m := leadingInt.FindString(parts[i])
	if m == "" {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(m))
	if err != nil {
		return 0
	}
	return min(max(v, 0), hi)
}

// WithWindow returns raw with from/to query parameters set to w in Unix
// milliseconds. Unparseable URLs are returned unchanged.
func WithWindow(raw string, w Window) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("from", strconv.FormatInt(w.FromMillis(), 10))
	q.Set("to", strconv.FormatInt(w.ToMillis(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// StripWindow removes the from/to query parameters and the fragment.
func StripWindow(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Del("from")
	q.Del("to")
	u.RawQuery = q.Encode()
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// windowParams returns the from/to parameters of raw in Unix milliseconds,
// zero when absent or malformed.
func windowParams(raw string) (from, to int64) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, 0
	}
	q := u.Query()
	return millisParam(q.Get("from")), millisParam(q.Get("to"))
}

func millisParam(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}
