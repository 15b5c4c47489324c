// Package roles defines typed contracts for plugin roles.
// Plugins that fill a role (declared via PluginInfo.Roles) should implement
// the corresponding interface so callers can use type-safe access via
// PluginResolver.ResolveByRole followed by a type assertion.
package roles

// Role name constants match the strings used in PluginInfo.Roles.
const (
	RoleDetector     = "detector"
	RoleNotification = "notification"
	RoleIntegration  = "integration"
)

// Detector is implemented by plugins that run flood detection.
type Detector interface {
	// ActiveMonitors returns the number of streaming runs in progress.
	ActiveMonitors() int
}
