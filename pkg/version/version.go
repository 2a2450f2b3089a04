package version

// Current is the engine version, overwritten at build time with -ldflags.
var Current = "dev"

const AppName = "cloudmeter"
