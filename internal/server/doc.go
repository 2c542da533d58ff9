// Package server implements the optional HTTP status API: health, session
// statistics, effective configuration and Prometheus metrics.
package server
