// Package memory provides an in-memory credential store. It is
// suitable for development, testing, and single-instance deployments
// where durability across restarts is not required.
package memory
