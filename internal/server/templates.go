package server

import (
	_ "embed"
	"html/template"
)

//go:embed templates/login.html
var loginPageTemplateHTML string

//go:embed templates/upsell.html
var upsellPageTemplateHTML string

//go:embed templates/dashboard.html
var dashboardPageTemplateHTML string

var loginPageTemplate = template.Must(template.New("login").Parse(loginPageTemplateHTML))
var upsellPageTemplate = template.Must(template.New("upsell").Parse(upsellPageTemplateHTML))
var dashboardPageTemplate = template.Must(template.New("dashboard").Parse(dashboardPageTemplateHTML))

// LoginPageData represents the data for the sign-in page
type LoginPageData struct {
	LoginURL string `json:"loginURL"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

// UpsellPageData represents the data for the subscription page
type UpsellPageData struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	RecheckURL string `json:"recheckURL"`
	PortalURL  string `json:"portalURL,omitempty"`
}

// DashboardPageData represents the data for the landing page
type DashboardPageData struct {
	Username     string          `json:"username"`
	Subscription string          `json:"subscription"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	LogoutURL    string          `json:"logoutURL"`
}
