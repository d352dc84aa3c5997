// Package domain defines the types shared by every layer of the CoAP gateway:
// the error taxonomy that maps failures onto HTTP statuses, and the buffered
// Reply written back to the inbound client.
//
// The package depends only on the standard library so that the translator,
// the gateway core, and the downstream dispatchers can all import it without
// cycles.
package domain
