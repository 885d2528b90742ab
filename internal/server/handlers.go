package server

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/content"
	"github.com/dgellow/contentdesk/internal/flow"
	"github.com/dgellow/contentdesk/internal/identity"
	jsonwriter "github.com/dgellow/contentdesk/internal/json"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/session"
)

// Handlers serves the local pages and the redirect endpoints
type Handlers struct {
	sessions  *session.Manager
	oauth     *flow.OAuthCallback
	payment   *flow.PaymentStatus
	content   *content.Client
	routes    config.RoutesConfig
	loginURL  string
	portalURL string
}

// NewHandlers wires the handlers. loginURL is the identity provider entry
// point, already carrying the callback address. portalURL may be empty.
func NewHandlers(
	sessions *session.Manager,
	oauth *flow.OAuthCallback,
	payment *flow.PaymentStatus,
	contentClient *content.Client,
	routes config.RoutesConfig,
	loginURL string,
	portalURL string,
) *Handlers {
	return &Handlers{
		sessions:  sessions,
		oauth:     oauth,
		payment:   payment,
		content:   contentClient,
		routes:    routes,
		loginURL:  loginURL,
		portalURL: portalURL,
	}
}

// OutcomeResponse is the JSON form of a flow outcome
type OutcomeResponse struct {
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
	Redirect string `json:"redirect"`
}

// LoginHandler shows the sign-in entry point
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if h.sessions.State().IsAuthenticated() {
		http.Redirect(w, r, h.routes.Landing, http.StatusFound)
		return
	}

	data := LoginPageData{
		LoginURL: h.loginURL,
		Reason:   r.URL.Query().Get("reason"),
		Message:  r.URL.Query().Get("message"),
	}
	if wantsJSON(r) {
		_ = jsonwriter.Write(w, data)
		return
	}
	render(w, loginPageTemplate, data)
}

// LogoutHandler removes the credential and ends the session
func (h *Handlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		log.LogErrorWithFields("server", "Logout failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Failed to remove stored credential")
		return
	}
	if wantsJSON(r) {
		_ = jsonwriter.Write(w, h.sessions.State().Snapshot())
		return
	}
	http.Redirect(w, r, h.routes.Login, http.StatusSeeOther)
}

// OAuthCallbackHandler receives the identity provider redirect
func (h *Handlers) OAuthCallbackHandler(w http.ResponseWriter, r *http.Request) {
	out := h.oauth.Run(r.Context(), flow.ParseOAuthRedirect(r.URL.Query()))
	h.writeOutcome(w, r, out, http.StatusFound)
}

// PaymentReturnHandler receives the payment provider redirect
func (h *Handlers) PaymentReturnHandler(w http.ResponseWriter, r *http.Request) {
	out := h.payment.Run(r.Context(), flow.ParsePaymentRedirect(r.URL.Query()))
	h.writeOutcome(w, r, out, http.StatusFound)
}

// RecheckHandler re-runs the subscription confirmation
func (h *Handlers) RecheckHandler(w http.ResponseWriter, r *http.Request) {
	out := h.payment.Recheck(r.Context())
	h.writeOutcome(w, r, out, http.StatusSeeOther)
}

// UpsellHandler shows the subscription page
func (h *Handlers) UpsellHandler(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.State()
	if !s.IsAuthenticated() {
		http.Redirect(w, r, h.routes.Login, http.StatusFound)
		return
	}

	data := UpsellPageData{
		Status:     string(s.Subscription().Status),
		Reason:     r.URL.Query().Get("reason"),
		Message:    r.URL.Query().Get("message"),
		RecheckURL: h.routes.Recheck,
		PortalURL:  h.portalURL,
	}
	if wantsJSON(r) {
		_ = jsonwriter.Write(w, data)
		return
	}
	render(w, upsellPageTemplate, data)
}

// SessionHandler returns the session snapshot
func (h *Handlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, h.sessions.State().Snapshot())
}

// SessionRefreshHandler re-verifies the stored credential and returns the new snapshot
func (h *Handlers) SessionRefreshHandler(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Refresh(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNoSession), errors.Is(err, identity.ErrInvalid):
		jsonwriter.WriteUnauthorizedRedirect(w, "Sign in required", h.routes.Login)
		return
	default:
		log.LogWarnWithFields("server", "Session refresh failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServiceUnavailable(w, "Identity service unavailable, session unchanged")
		return
	}
	_ = jsonwriter.Write(w, s.Snapshot())
}

// DashboardHandler is the authenticated landing page
func (h *Handlers) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.State()
	if !s.IsAuthenticated() {
		http.Redirect(w, r, h.routes.Login, http.StatusFound)
		return
	}

	data := DashboardPageData{
		Username:     s.Profile.Username,
		Subscription: string(s.Subscription().Status),
		Capabilities: s.Profile.Capabilities,
		LogoutURL:    "/logout",
	}
	if wantsJSON(r) {
		_ = jsonwriter.Write(w, data)
		return
	}
	render(w, dashboardPageTemplate, data)
}

// TemplatesHandler lists community templates for subscribers
func (h *Handlers) TemplatesHandler(w http.ResponseWriter, r *http.Request) {
	cred, err := h.sessions.Credential(r.Context())
	if err != nil {
		jsonwriter.WriteUnauthorizedRedirect(w, "Sign in required", h.routes.Login)
		return
	}

	page, err := h.content.Templates(r.Context(), cred, content.ParseListQuery(r.URL.Query()))
	if err != nil {
		if errors.Is(err, content.ErrUnauthorized) {
			jsonwriter.WriteUnauthorizedRedirect(w, "Content service rejected the session", h.routes.Login)
			return
		}
		log.LogWarnWithFields("server", "Listing templates failed", map[string]any{
			"error":      err.Error(),
			"request_id": RequestID(r.Context()),
		})
		jsonwriter.WriteBadGateway(w, "Content service unavailable")
		return
	}
	_ = jsonwriter.Write(w, page)
}

func (h *Handlers) writeOutcome(w http.ResponseWriter, r *http.Request, out flow.Outcome, code int) {
	if out.Err != nil {
		log.LogDebugWithFields("server", "Malformed redirect", map[string]any{
			"path":  r.URL.Path,
			"error": out.Err.Error(),
		})
	}
	if wantsJSON(r) {
		_ = jsonwriter.Write(w, OutcomeResponse{
			State:    out.State,
			Reason:   string(out.Reason),
			Message:  out.Message,
			Redirect: out.Target,
		})
		return
	}
	http.Redirect(w, r, out.Target, code)
}

func render(w http.ResponseWriter, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		log.LogErrorWithFields("server", "Failed to render page", map[string]any{
			"template": tmpl.Name(),
			"error":    err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Failed to render page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
