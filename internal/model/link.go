package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	schemePattern  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
	idCharsPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// MaxIDLength bounds the length of a persisted link id.
const MaxIDLength = 30

// Link binds an opaque stream id to a target URL.
type Link struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"-"`
}

// CreatedAtMillis returns the creation time as Unix milliseconds.
func (l *Link) CreatedAtMillis() int64 {
	return l.CreatedAt.UnixMilli()
}

// Clone returns a copy of the link.
func (l *Link) Clone() *Link {
	c := *l
	return &c
}

// NormalizeURL trims the raw URL, adds https:// when no scheme is given,
// rejects anything that is not http(s) and strips the fragment.
func NormalizeURL(raw string) (string, error) {
	txt := strings.TrimSpace(raw)
	if txt == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidInput)
	}

	candidate := txt
	if !schemePattern.MatchString(txt) {
		candidate = "https://" + txt
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: url must use http(s)", ErrInvalidInput)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: url has no host", ErrInvalidInput)
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// SanitizeID strips characters outside [A-Za-z0-9_-] and truncates the id.
func SanitizeID(id string) string {
	clean := idCharsPattern.ReplaceAllString(id, "")
	if len(clean) > MaxIDLength {
		clean = clean[:MaxIDLength]
	}
	return clean
}
