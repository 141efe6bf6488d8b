package auth

import (
	"net/http"
	"net/url"
)

// Query parameter names accepted on the WebSocket endpoint.
const (
	QueryCredential       = "credential"
	QueryLegacyCredential = "visa_tap_credential"
)

// CredentialFromRequest extracts an agent credential from the query string,
// falling back to the Authorization header.
func CredentialFromRequest(r *http.Request) string {
	if c := CredentialFromQuery(r.URL.Query()); c != "" {
		return c
	}
	return r.Header.Get("Authorization")
}

// CredentialFromQuery reads the credential parameter or its legacy alias.
func CredentialFromQuery(q url.Values) string {
	if c := q.Get(QueryCredential); c != "" {
		return c
	}
	return q.Get(QueryLegacyCredential)
}
