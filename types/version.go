//nolint:revive // types is a common Go package naming convention
package types

// Version is the evidentia release version.
// Overridden at build time via ldflags for tagged releases.
const Version = "0.1.0"

// ManifestVersion is the evidence manifest schema version.
// Bumped when the manifest shape changes incompatibly.
const ManifestVersion = "1"
