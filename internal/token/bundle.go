// Package token holds the OAuth2 token bundle carried between requests, the
// policy that picks the best bundle out of a session, and the codec that seals
// refresh tokens for out-of-band storage.
package token

import (
	"time"

	"golang.org/x/oauth2"
)

// rawExtras are the provider response fields copied into Bundle.Raw when a
// bundle is built from a fresh oauth2 exchange.
var rawExtras = []string{"id_token", "scope"}

// Bundle is an access token with its optional refresh token.
//
// Raw holds provider-internal response fields. It is kept only while the
// bundle sits in the upstream-owned fresh slot and is stripped before any
// other persistence.
type Bundle struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	Expiry       time.Time      `json:"expiry,omitempty"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// HasAccess reports whether the bundle carries an access token.
func (b *Bundle) HasAccess() bool {
	return b != nil && b.AccessToken != ""
}

// HasRefresh reports whether the bundle carries a refresh token.
func (b *Bundle) HasRefresh() bool {
	return b != nil && b.RefreshToken != ""
}

// Stripped returns a copy of b without provider-internal fields.
func (b *Bundle) Stripped() *Bundle {
	if b == nil {
		return nil
	}
	out := *b
	out.Raw = nil
	return &out
}

// Equal compares the persisted fields of two bundles.
func (b *Bundle) Equal(o *Bundle) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.AccessToken == o.AccessToken &&
		b.RefreshToken == o.RefreshToken &&
		b.TokenType == o.TokenType &&
		b.Expiry.Equal(o.Expiry)
}

// OAuth2 converts the bundle into an oauth2 token.
func (b *Bundle) OAuth2() *oauth2.Token {
	if b == nil {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		TokenType:    b.TokenType,
		Expiry:       b.Expiry,
	}
}

// FromOAuth2 builds a bundle from a token returned by the provider, keeping
// the id_token and scope extras as raw fields.
func FromOAuth2(t *oauth2.Token) *Bundle {
	if t == nil {
		return nil
	}
	b := &Bundle{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
	for _, k := range rawExtras {
		if v := t.Extra(k); v != nil && v != "" {
			if b.Raw == nil {
				b.Raw = make(map[string]any, len(rawExtras))
			}
			b.Raw[k] = v
		}
	}
	return b
}
