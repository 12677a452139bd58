package cachekey

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidLocator = errors.New("invalid locator")

const identifierSeparator = "\t"

// Key identifies a cached resource.
// It is comparable, so it can be used directly as a map key.
// Two keys are equal if both the locator and the identifier are equal.
type Key struct {
	// Resource locator, usually the URL the resource is fetched from.
	Locator string
	// Optional disambiguating tag, e.g. a rendition or filter name.
	Identifier string
}

// New returns the key for the given locator.
// At most one identifier is used; additional values are ignored.
func New(locator string, identifier ...string) Key {
	k := Key{Locator: locator}
	if len(identifier) > 0 {
		k.Identifier = identifier[0]
	}
	return k
}

// Parse validates a raw URL and returns the key for it.
// The URL must be absolute. Scheme and host are lower-cased so that
// equivalent URLs map to the same key.
func Parse(rawURL string, identifier ...string) (Key, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Key{}, fmt.Errorf("%w: empty url", ErrInvalidLocator)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s", ErrInvalidLocator, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Key{}, fmt.Errorf("%w: %q is not an absolute url", ErrInvalidLocator, rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return New(u.String(), identifier...), nil
}

// IsZero reports whether the key has no locator.
func (k Key) IsZero() bool {
	return k.Locator == ""
}

// String returns the canonical form of the key: the locator, followed by
// a tab and the identifier if one is set.
func (k Key) String() string {
	if k.Identifier == "" {
		return k.Locator
	}
	return k.Locator + identifierSeparator + k.Identifier
}

// FromString is the reverse of Key.String.
func FromString(s string) Key {
	locator, identifier, _ := strings.Cut(s, identifierSeparator)
	return Key{Locator: locator, Identifier: identifier}
}
