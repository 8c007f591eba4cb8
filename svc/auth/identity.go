// Package auth resolves the caller identity asserted by the access proxy in
// front of the service.
package auth

import (
	"net/http"
	"net/mail"
	"pastel/svc/util"
	"strings"
)

const DefaultHeader = "Cf-Access-Authenticated-User-Email"

type Resolver struct {
	header      string
	devIdentity string
}

// NewResolver reads identities from header. devIdentity, when non-empty, is
// used for requests that carry no identity; pass it only outside production.
func NewResolver(header, devIdentity string) *Resolver {
	if header == "" {
		header = DefaultHeader
	}
	return &Resolver{header: header, devIdentity: devIdentity}
}

// Resolve returns the caller identity or "" for anonymous requests. The
// proxy has already authenticated the value, so it is taken as is.
func (res *Resolver) Resolve(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get(res.header))
	if v == "" {
		return res.devIdentity
	}
	if !ValidEmail(v) {
		util.Debug().
			Str("request_id", util.GetRequestID(r.Context())).
			Str("identity", util.RedactOwner(v)).
			Msg("identity header is not an email address")
	}
	return v
}

func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := res.Resolve(r)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(util.SetIdentity(r.Context(), id)))
	})
}

// ValidEmail accepts a bare addr-spec, rejecting display names and angle brackets.
func ValidEmail(s string) bool {
	if s == "" || len(s) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s && addr.Name == ""
}
