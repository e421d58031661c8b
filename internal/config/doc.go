// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml. Values not present in the file keep the defaults from Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//
// Unset variables expand to the empty string. The binaries load a .env file
// from the working directory first, if one exists.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	generation:
//	  timeout: "2m"
//	  token_delay: "30ms"
//
// # Authentication
//
// At least one of auth.jwt_secret (32 bytes or more) or auth.api_keys must be
// set. API keys are stored as bcrypt hashes; `coven-chat hash-key` prints one.
package config
