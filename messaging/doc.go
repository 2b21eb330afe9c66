// Package messaging provides the event publisher and the consuming side
// of the broker integration: a handler registry with a bounded-retry,
// dead-letter-on-exhaustion delivery policy.
package messaging
