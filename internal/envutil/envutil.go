package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the runtime environment of the client
const EnvVar = "CONTENTDESK_ENV"

// IsDev reports whether we run against local backends, where plain http
// endpoints and loopback hosts are acceptable
func IsDev() bool {
	env := strings.ToLower(os.Getenv(EnvVar))
	return env == "development" || env == "dev"
}
