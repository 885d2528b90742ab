package identity

import (
	"net/url"

	"github.com/dgellow/contentdesk/internal/urlutil"
)

// LoginURL is where the browser is sent to start sign-in. The identity
// backend redirects back to callbackURL with a token or an oauth_error.
func LoginURL(loginURL, callbackURL string) (string, error) {
	return urlutil.WithQuery(loginURL, url.Values{"redirect_uri": {callbackURL}})
}
