// Package rabbitmq owns the broker connection lifecycle: dialing with
// bounded linear backoff, topology provisioning, publish and subscribe
// primitives, and automatic reconnection after unexpected closure. The
// connection and channel handles never leave this package.
package rabbitmq
