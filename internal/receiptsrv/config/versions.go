package config

// SupportedFormatVersions is the semver constraint config files must satisfy.
const SupportedFormatVersions = ">= 0.1.0, < 0.2.0"

// ServerVersion is reported on /version.
var ServerVersion = "0.1.0"

// ApiVersion is the version of the HTTP API.
const ApiVersion = "v1"
