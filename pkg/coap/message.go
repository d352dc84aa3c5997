package coap

import (
	"net/url"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Code is a CoAP method or response code.
type Code = codes.Code

// Method codes.
const (
	GET    = codes.GET
	POST   = codes.POST
	PUT    = codes.PUT
	DELETE = codes.DELETE
)

// Response codes.
const (
	Created                 = codes.Created
	Deleted                 = codes.Deleted
	Valid                   = codes.Valid
	Changed                 = codes.Changed
	Content                 = codes.Content
	Continue                = codes.Continue
	BadRequest              = codes.BadRequest
	Unauthorized            = codes.Unauthorized
	BadOption               = codes.BadOption
	Forbidden               = codes.Forbidden
	NotFound                = codes.NotFound
	MethodNotAllowed        = codes.MethodNotAllowed
	NotAcceptable           = codes.NotAcceptable
	RequestEntityIncomplete = codes.RequestEntityIncomplete
	PreconditionFailed      = codes.PreconditionFailed
	RequestEntityTooLarge   = codes.RequestEntityTooLarge
	UnsupportedMediaType    = codes.UnsupportedMediaType
	TooManyRequests         = codes.TooManyRequests
	InternalServerError     = codes.InternalServerError
	NotImplemented          = codes.NotImplemented
	BadGateway              = codes.BadGateway
	ServiceUnavailable      = codes.ServiceUnavailable
	GatewayTimeout          = codes.GatewayTimeout
	ProxyingNotSupported    = codes.ProxyingNotSupported
)

// CodeClass returns the class bits of c: 0 for methods, 2 to 5 for responses.
func CodeClass(c Code) uint8 {
	return uint8(c >> 5)
}

// IsResponse reports whether c is a response code.
func IsResponse(c Code) bool {
	class := CodeClass(c)
	return class >= 2 && class <= 5
}

// MediaType is a CoAP Content-Format identifier.
type MediaType = message.MediaType

// Content formats the gateway maps by name.
var (
	TextPlain     = message.TextPlain
	AppLinkFormat = message.AppLinkFormat
	AppXML        = message.AppXML
	AppOctets     = message.AppOctets
	AppExi        = message.AppExi
	AppJSON       = message.AppJSON
	AppCBOR       = message.AppCBOR
)

// MediaTypePtr returns a pointer to m, for optional option fields.
func MediaTypePtr(m MediaType) *MediaType {
	return &m
}

// Request is a CoAP request produced by translating one inbound HTTP request.
type Request struct {
	// Token is sent as the CoAP message token. Dispatchers generate one when
	// it is empty.
	Token message.Token
	Code  Code
	// ProxyURI is the absolute coap:// target for proxy-forwarded requests.
	// It is nil for requests served by local resources.
	ProxyURI *url.URL
	// Path is the resource path, always starting with "/".
	Path          string
	Query         []string
	ContentFormat *MediaType
	Accept        *MediaType
	IfMatch       [][]byte
	IfNoneMatch   bool
	Payload       []byte
}

// IsProxy reports whether the request targets a remote CoAP server.
func (r *Request) IsProxy() bool {
	return r.ProxyURI != nil
}

// Target returns a printable description of where the request goes.
func (r *Request) Target() string {
	if r.ProxyURI != nil {
		return r.ProxyURI.String()
	}
	return r.Path
}

// Response is a CoAP response returned by a dispatcher.
type Response struct {
	Code          Code
	ContentFormat *MediaType
	ETag          []byte
	MaxAge        *uint32
	LocationPath  string
	Payload       []byte
}
