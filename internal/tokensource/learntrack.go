package tokensource

import (
	"strings"

	"golang.org/x/oauth2"
)

// RefreshPath is the backend route that rotates a refresh token.
const RefreshPath = "/auth/refresh"

// DefaultClientID identifies the session agent to the backend.
const DefaultClientID = "ltsession"

// Endpoint returns the OAuth2 endpoint of the LearnTrack backend at baseURL.
// Authorization is driven by the backend's provider routes, so only the
// token URL is set.
func Endpoint(baseURL string) oauth2.Endpoint {
	return oauth2.Endpoint{
		TokenURL:  strings.TrimRight(baseURL, "/") + RefreshPath,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}
