// Package gateway accepts HTTP requests and forwards them to CoAP servers.
//
// Each forwardable request becomes an exchange: it is translated, registered
// under a fresh correlation ID, and handed to a producer goroutine that runs
// the downstream dispatch while a consumer goroutine waits for the result with
// a fixed gateway timeout. The consumer owns the producer's cancellation and
// writes exactly one HTTP reply.
package gateway
