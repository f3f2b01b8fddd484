// Package contracts defines the shared message, channel, and error types
// used across the delivery core. It has no dependencies on the other
// packages so that application code, transports, and administrative tools
// can all speak the same vocabulary.
package contracts
