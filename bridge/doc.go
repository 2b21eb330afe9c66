// Package bridge reconciles the in-process event bus with the external
// broker: locally originated events flow out, broker deliveries flow back
// in, and an origin tag on each event prevents feedback loops.
package bridge
