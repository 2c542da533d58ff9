// Package config provides configuration loading and validation for the intercom.
// It layers YAML file values over built-in defaults and exposes the immutable
// per-session parameters shared by every data path component.
package config
