// Package version holds the daemon's build version, overridable via
// linker flags at build time (`-ldflags "-X .../version.Version=..."`).
package version

// Version is the current hoardd version, stamped into schema_migrations
// rows so an operator can tell which binary applied a given migration.
var Version = "0.1.0"
