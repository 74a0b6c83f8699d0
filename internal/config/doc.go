// Package config handles configuration loading for curator.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; every setting is
// optional except the ones Validate names.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${CURATOR_DB_PATH}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pipeline:
//	  request_timeout: "5m"
//	  connect_timeout: "10s"
//
// The request timeout bounds one dispatched request end to end (long enough
// for a language-model round trip); the connect timeout bounds the
// reachability check before each external collaborator call.
package config
