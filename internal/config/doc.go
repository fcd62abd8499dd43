// Package config loads the nanofleetd runtime configuration: a JSON file
// with defaults, an optional YAML node list, a sibling .env file and
// NANOFLEET_* environment overrides.
package config
