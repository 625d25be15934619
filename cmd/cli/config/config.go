package config

import "os"

const defaultAPIURL = "http://localhost:8080"

// Flags holds values bound to the root command's persistent flags. They win
// over the environment.
var Flags struct {
	APIURL string
	Token  string
}

// APIURL returns the base URL for the hours API.
// It can be overridden with --api-url or the HOURS_API_URL environment variable.
func APIURL() string {
	if Flags.APIURL != "" {
		return Flags.APIURL
	}
	if v := os.Getenv("HOURS_API_URL"); v != "" {
		return v
	}
	return defaultAPIURL
}

// Token returns the bearer token from --token or HOURS_TOKEN.
func Token() string {
	if Flags.Token != "" {
		return Flags.Token
	}
	return os.Getenv("HOURS_TOKEN")
}
