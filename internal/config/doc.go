// Package config loads the host configuration from a JSON file whose path is
// taken from FORGED_CONFIG, applying defaults for everything left unset.
package config
