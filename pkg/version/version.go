// Package version provides version information for the price estimator.
package version

// Version is the current version of the price estimator.
const Version = "0.3.0"

// AgentString returns the user agent sent to upstream price providers.
// Format: price-estimator/v{version}
func AgentString() string {
	return "price-estimator/v" + Version
}
