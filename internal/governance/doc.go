// Package governance holds the runtime admission controls of the gateway.
//
// Per-route rate limits are enforced before a request is translated so that
// rejected traffic never registers an exchange. Limits can be reconfigured at
// runtime without dropping the token state of unchanged routes.
package governance
