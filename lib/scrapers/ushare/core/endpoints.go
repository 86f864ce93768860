package core

// known routes on the reseller portal. these are HTML pages, not an
// API; none of them carry a stability guarantee.
const (
	EndpointLogin            = "/login"
	EndpointSubscribers      = "/myaccount/sharedservices"
	EndpointAddSubscriber    = "/myaccount/sharedservices/add"
	EndpointEditSubscriber   = "/myaccount/sharedservices/edit"
	EndpointRemoveSubscriber = "/myaccount/sharedservices/delete"
)

// AuthCookieName is the portal's long-lived forms-auth cookie. It has
// to be serialized first in the cookie header or the portal will
// bounce the request to the login page on some endpoints.
const AuthCookieName = ".ASPXAUTH"
