package httpclient

import (
	"net/url"
	"strings"
)

const redactedValue = "[redacted]"

// secretParamFragments flags credential-bearing query parameters.
// Matching is by case-insensitive substring so SAS signatures ("sig"),
// storage keys, and the usual api_key/apikey spellings are all caught.
var secretParamFragments = []string{
	"sig",
	"key",
	"token",
	"secret",
	"password",
	"credential",
	"auth",
}

// redactURL renders a url for logging with credential-bearing query
// parameter values masked. Authorization headers are never logged at
// all, so the query string is the only leak path here.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	query := u.Query()
	masked := false
	for name := range query {
		if secretParam(name) {
			query.Set(name, redactedValue)
			masked = true
		}
	}
	if !masked {
		return u.String()
	}
	clean := *u
	clean.RawQuery = query.Encode()
	return clean.String()
}

func secretParam(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range secretParamFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
