// Package config provides centralized configuration management for the
// pulseanchord daemon: the JSON startup file with defaulting and
// validation, and the YAML network catalog that broadcast targets are
// resolved against. Secrets are referenced by environment variable name
// only and never appear in configuration values.
package config
