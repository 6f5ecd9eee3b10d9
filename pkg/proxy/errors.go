package proxy

import "errors"

// Admission errors. Each carries the text shown to the rejected client in
// the Disconnect frame.
var (
	ErrIO                  = errors.New("i/o error")
	ErrUpstreamUnreachable = errors.New("upstream server unreachable")
	ErrInvalidConnection   = errors.New("invalid connection")
	ErrIPBlockedInCache    = errors.New("you are temporarily blocked, please try again later")
	ErrASNBlocked          = errors.New("connections from your network are not allowed")
	ErrCountryBlocked      = errors.New("connections from your region are not allowed")
	ErrConnectRateLimited  = errors.New("too many connection attempts, please slow down")
	ErrGeoLookupFailed     = errors.New("geoip lookup failed")
	ErrCountryNotFound     = errors.New("country not found")
)
