// Package translate converts inbound HTTP requests into CoAP requests and
// CoAP responses back into buffered HTTP replies.
package translate
