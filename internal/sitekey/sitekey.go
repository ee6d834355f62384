// Package sitekey derives the canonical key that addresses a site's actor.
package sitekey

import (
	"net/url"
	"strings"
)

// Derive canonicalizes an input URL into a site key: lowercase host without a
// leading "www.", followed by the path, with one trailing slash removed.
// Scheme, query and fragment do not contribute. Input that is not an absolute
// URL is returned unchanged so it can still address an actor.
func Derive(input string) string {
	u, err := url.Parse(input)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return input
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return strings.TrimSuffix(host+u.EscapedPath(), "/")
}
