// Package config loads realtime client settings from a YAML file and the
// environment.
//
// Files support ${VAR} interpolation. Environment variables prefixed with
// TASKLINK_REALTIME_ override file values; anything still unset falls back
// to the documented defaults.
package config
