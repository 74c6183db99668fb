package version

// Version is overridden at build time:
// -ldflags "-X prads/internal/version.Version=..."
var Version = "0.4.0-dev"
