// Package policy evaluates Rego policies with the embedded Open Policy Agent
// engine to decide which downstream targets the gateway may forward to.
//
// Policies receive the route, method and parsed CoAP target of each request
// and answer with an allow or block decision. The Guard type makes the active
// engine swappable so policy files can be hot-reloaded without restarting the
// gateway.
package policy
