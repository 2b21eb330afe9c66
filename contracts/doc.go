// Package contracts defines the wire envelope and the in-process event
// model shared by the publisher, consumer, and bridge.
package contracts
