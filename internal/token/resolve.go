package token

import "errors"

// ErrNoToken is returned by Resolve when neither slot holds a usable token.
// It marks the "not logged in" state rather than a failure.
var ErrNoToken = errors.New("no token available")

// Resolve picks the bundle a request should run with.
//
// Refresh-capable bundles win over access-only ones regardless of age:
//  1. fresh with a refresh token
//  2. confirmed with a refresh token
//  3. fresh with only an access token
//  4. confirmed with only an access token
//
// Absent only when neither slot holds any token.
// The result is always stripped of raw provider fields.
func Resolve(fresh, confirmed *Bundle) (*Bundle, error) {
	switch {
	case fresh.HasRefresh():
		return fresh.Stripped(), nil
	case confirmed.HasRefresh():
		return confirmed.Stripped(), nil
	case fresh.HasAccess():
		return fresh.Stripped(), nil
	case confirmed.HasAccess():
		return confirmed.Stripped(), nil
	}
	return nil, ErrNoToken
}
