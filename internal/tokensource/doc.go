// Package tokensource refreshes LearnTrack access tokens through
// golang.org/x/oauth2.
//
// The API's refresh endpoint differs from a standard OAuth2 token endpoint:
// it expects a JSON body instead of a form, and it may hand the new tokens
// back as access_token/refresh_token cookies rather than in the body. A
// private transport bridges both so oauth2's refresh logic can be used as is.
//
//	ts := tokensource.NewTokenSource(refreshToken,
//		tokensource.Endpoint(baseURL),
//		tokensource.DefaultClientID,
//		tokensource.WithTimeout(10*time.Second),
//	)
//
// TokenSource is seeded only with a refresh token, so its first Token call
// always hits the network.
package tokensource
