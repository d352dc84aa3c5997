package gateway

import (
	"net/http"

	"github.com/polisai/polis-coap/pkg/domain"
)

// CORS header values attached to preflight and successful replies.
const (
	CORSAllowMethods = "GET,POST,HEAD,PUT,DELETE,OPTIONS"
	CORSAllowOrigin  = "*"
	CORSAllowHeaders = "Access-Control-Allow-Origin, UTOKEN, DTOKEN,Accept, Origin, X-Requested-With, Content-Type, Last-Modified,Keep-Alive,User-Agent,If-Modified-Since,Cache-Control"
)

// SetCORS adds the cross-origin headers to h.
func SetCORS(h http.Header) {
	h.Set("Access-Control-Allow-Methods", CORSAllowMethods)
	h.Set("Access-Control-Allow-Origin", CORSAllowOrigin)
	h.Set("Access-Control-Allow-Headers", CORSAllowHeaders)
}

// preflightReply answers an OPTIONS request.
func preflightReply() *domain.Reply {
	reply := domain.NewReply()
	reply.Status = http.StatusOK
	SetCORS(reply.Header)
	return reply
}

// staticReply answers requests on the root route.
func staticReply(body []byte) *domain.Reply {
	reply := domain.NewReply()
	reply.Status = http.StatusOK
	reply.Header.Set("Content-Type", "text/plain; charset=utf-8")
	SetCORS(reply.Header)
	if len(body) > 0 {
		reply.Body = append([]byte(nil), body...)
	}
	return reply
}

// errorReply is a plain-text failure reply. It carries no CORS headers.
func errorReply(status int, msg string) *domain.Reply {
	reply := domain.NewReply()
	reply.Status = status
	if msg == "" {
		msg = http.StatusText(status)
	}
	reply.Header.Set("Content-Type", "text/plain; charset=utf-8")
	reply.Body = []byte(msg)
	return reply
}
