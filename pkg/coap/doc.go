// Package coap holds the downstream side of the gateway: a small CoAP message
// model built on go-coap's codes and content formats, and the dispatchers that
// carry a Request to a CoAP endpoint and return its Response.
//
// Three dispatchers are provided. UDPDispatcher forwards proxy requests to a
// remote CoAP server, dialling once per exchange. LocalServer answers from an
// in-process resource tree. Switch routes between the two depending on whether
// the request names a proxy target.
package coap
