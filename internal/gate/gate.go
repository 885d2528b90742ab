// Package gate decides whether a protected view may be shown for a session.
package gate

import (
	"net/http"
	"strings"

	"github.com/dgellow/contentdesk/internal/authstate"
	"github.com/dgellow/contentdesk/internal/config"
	jsonwriter "github.com/dgellow/contentdesk/internal/json"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/metrics"
)

// Decision is either an admit or a redirect target
type Decision struct {
	Admit      bool
	RedirectTo string
}

// Admit is a pure function of the state. It never blocks.
func Admit(s authstate.State, requireActive bool, routes config.RoutesConfig) Decision {
	if !s.IsAuthenticated() {
		return Decision{RedirectTo: routes.Login}
	}
	if requireActive && !s.Subscription().Active() {
		return Decision{RedirectTo: routes.Upsell}
	}
	return Decision{Admit: true}
}

// StateReader is satisfied by authstate.Container
type StateReader interface {
	Current() authstate.State
}

// Middleware admits requests through the gate. Browsers get a 302, API
// clients asking for JSON get 401 or 402 with the redirect in the body.
func Middleware(states StateReader, requireActive bool, routes config.RoutesConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := Admit(states.Current(), requireActive, routes)
			m.ObserveGate(d.Admit, d.RedirectTo)
			if d.Admit {
				next.ServeHTTP(w, r)
				return
			}

			log.LogDebugWithFields("gate", "Request not admitted", map[string]any{
				"path":     r.URL.Path,
				"redirect": d.RedirectTo,
			})

			if !wantsJSON(r) {
				http.Redirect(w, r, d.RedirectTo, http.StatusFound)
				return
			}
			if d.RedirectTo == routes.Upsell {
				jsonwriter.WritePaymentRequired(w, "An active subscription is required", d.RedirectTo)
				return
			}
			jsonwriter.WriteUnauthorizedRedirect(w, "Sign in required", d.RedirectTo)
		})
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
