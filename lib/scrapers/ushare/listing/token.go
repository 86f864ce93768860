package listing

import (
	"errors"
	"regexp"
)

// ErrNoToken means the anti-forgery token could not be found on the
// page. Callers should refresh the session and retry a bounded number
// of times before giving up.
var ErrNoToken = errors.New("could not find anti-forgery token")

// the portal has rendered this input in several attribute orders over
// time, so the variants are tried in sequence
var tokenRegexes = []*regexp.Regexp{
	regexp.MustCompile(`name="__RequestVerificationToken"[^>]*value="([^"]+)"`),
	regexp.MustCompile(`value="([^"]+)"[^>]*name="__RequestVerificationToken"`),
	regexp.MustCompile(`name='__RequestVerificationToken'[^>]*value='([^']+)'`),
	regexp.MustCompile(`__RequestVerificationToken[^>]*?value=["']([^"']+)["']`),
}

// ExtractToken pulls the single-use anti-forgery token out of a form
// page. Tokens are consumed by exactly one submission and must never
// be cached across requests.
func ExtractToken(body []byte) (string, error) {
	for _, re := range tokenRegexes {
		groups := re.FindSubmatch(body)
		if len(groups) >= 2 && len(groups[1]) > 0 {
			return string(groups[1]), nil
		}
	}
	return "", ErrNoToken
}
