// Package domain defines the core relay types and interfaces.
//
// Concept-oriented files (frame.go, policy.go, connection.go, errors.go, bus.go)
// with shared types and cross-cutting contracts. No implementation code.
package domain
