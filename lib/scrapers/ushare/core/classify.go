package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
)

type ErrorKind int

const (
	KindUnauthorized ErrorKind = iota
	KindTimeout
	KindNetwork
	KindServer
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

// PortalError is the classified failure of a single portal exchange.
// Retryable is carried per-error rather than per-kind: a connection
// reset and a 404 both classify as network, but only the former is
// worth retrying.
type PortalError struct {
	Kind      ErrorKind
	Endpoint  string
	Status    int
	Retryable bool
	cause     error
}

func (e *PortalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ushare %s: %s (status %d)", e.Kind, e.Endpoint, e.Status)
	}
	if e.cause != nil {
		return fmt.Sprintf("ushare %s: %s: %s", e.Kind, e.Endpoint, e.cause.Error())
	}
	return fmt.Sprintf("ushare %s: %s", e.Kind, e.Endpoint)
}

func (e *PortalError) Unwrap() error {
	return e.cause
}

// KindOf extracts the classification from an error chain.
func KindOf(err error) (ErrorKind, bool) {
	var perr *PortalError
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return 0, false
}

func IsUnauthorized(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindUnauthorized
}

// markers that identify the login page when the portal serves it with
// a 200 instead of redirecting
var loginPageMarkers = [][]byte{
	[]byte(`id="login-form"`),
	[]byte(`name="LoginForm"`),
	[]byte("Sign in to your account"),
}

func IsLoginPage(body []byte) bool {
	for _, marker := range loginPageMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func isRedirect(status int) bool {
	return status == http.StatusMovedPermanently ||
		status == http.StatusFound ||
		status == http.StatusSeeOther ||
		status == http.StatusTemporaryRedirect
}

func redirectsToLogin(res *resty.Response) bool {
	location := res.Header().Get("location")
	if location == "" {
		return true
	}
	parsed, err := url.Parse(location)
	if err != nil {
		return true
	}
	return strings.Contains(strings.ToLower(parsed.Path), "login")
}

// classifyResponse returns nil when the response can be handed back to
// the caller. Redirects of a POST are data, not errors: the portal
// redirects successful form submissions, and the mutation executor
// treats that as a weak success signal.
func classifyResponse(endpoint, method string, res *resty.Response) *PortalError {
	status := res.StatusCode()

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &PortalError{Kind: KindUnauthorized, Endpoint: endpoint, Status: status}

	case isRedirect(status):
		if method != http.MethodPost || redirectsToLogin(res) {
			return &PortalError{Kind: KindUnauthorized, Endpoint: endpoint, Status: status}
		}
		return nil

	case status == http.StatusNotFound:
		return &PortalError{Kind: KindNetwork, Endpoint: endpoint, Status: status}

	case status >= 500:
		return &PortalError{Kind: KindServer, Endpoint: endpoint, Status: status, Retryable: true}

	case status >= 400:
		return &PortalError{Kind: KindValidation, Endpoint: endpoint, Status: status}
	}

	if IsLoginPage(res.Body()) {
		// cookies are known stale, retrying with them is pointless
		return &PortalError{Kind: KindUnauthorized, Endpoint: endpoint, Status: status}
	}
	return nil
}

func classifyTransport(endpoint string, err error) *PortalError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &PortalError{Kind: KindTimeout, Endpoint: endpoint, Retryable: true, cause: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return &PortalError{Kind: KindTimeout, Endpoint: endpoint, Retryable: true, cause: err}
	}
	return &PortalError{Kind: KindNetwork, Endpoint: endpoint, Retryable: true, cause: err}
}
