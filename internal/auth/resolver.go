// Package auth resolves the user identity for a request. The rest of the
// backend treats the identity as an opaque integer key; how it is established
// (cookie session, reverse-proxy header, token) is the resolver's business.
package auth

import (
	"errors"
	"net/http"
	"strconv"
)

// ErrNoUser is returned when a request carries no resolvable user identity.
var ErrNoUser = errors.New("auth: no user identity on request")

// Resolver extracts the authenticated user ID from a request.
type Resolver func(r *http.Request) (int64, error)

// HeaderResolver resolves the user ID from the given header, typically set by
// an authenticating reverse proxy in front of the backend.
func HeaderResolver(header string) Resolver {
	return func(r *http.Request) (int64, error) {
		v := r.Header.Get(header)
		if v == "" {
			return 0, ErrNoUser
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, ErrNoUser
		}
		return id, nil
	}
}
