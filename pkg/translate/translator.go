package translate

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/polisai/polis-coap/pkg/coap"
	"github.com/polisai/polis-coap/pkg/domain"
)

// Statuses used when a request cannot be translated.
const (
	StatusTranslationError = http.StatusBadGateway
	StatusWrongMethod      = http.StatusNotImplemented
	StatusURIMalformed     = http.StatusBadRequest
)

// DefaultMaxAge is the freshness advertised for 2.05 responses without Max-Age.
const DefaultMaxAge = 60

var methodCodes = map[string]coap.Code{
	http.MethodGet:    coap.GET,
	http.MethodHead:   coap.GET,
	http.MethodPost:   coap.POST,
	http.MethodPut:    coap.PUT,
	http.MethodDelete: coap.DELETE,
}

var responseStatus = map[coap.Code]int{
	coap.Created:                 http.StatusCreated,
	coap.Deleted:                 http.StatusNoContent,
	coap.Valid:                   http.StatusNotModified,
	coap.Changed:                 http.StatusNoContent,
	coap.Content:                 http.StatusOK,
	coap.BadRequest:              http.StatusBadRequest,
	coap.Unauthorized:            http.StatusUnauthorized,
	coap.BadOption:               http.StatusBadRequest,
	coap.Forbidden:               http.StatusForbidden,
	coap.NotFound:                http.StatusNotFound,
	coap.MethodNotAllowed:        http.StatusMethodNotAllowed,
	coap.NotAcceptable:           http.StatusNotAcceptable,
	coap.RequestEntityIncomplete: http.StatusBadRequest,
	coap.Conflict:                http.StatusConflict,
	coap.PreconditionFailed:      http.StatusPreconditionFailed,
	coap.RequestEntityTooLarge:   http.StatusRequestEntityTooLarge,
	coap.UnsupportedMediaType:    http.StatusUnsupportedMediaType,
	coap.UnprocessableEntity:     http.StatusUnprocessableEntity,
	coap.TooManyRequests:         http.StatusTooManyRequests,
	coap.InternalServerError:     http.StatusInternalServerError,
	coap.NotImplemented:          http.StatusNotImplemented,
	coap.BadGateway:              http.StatusBadGateway,
	coap.ServiceUnavailable:      http.StatusServiceUnavailable,
	coap.GatewayTimeout:          http.StatusGatewayTimeout,
	coap.ProxyingNotSupported:    http.StatusBadGateway,
}

// Options configures an HTTPTranslator.
type Options struct {
	// AllowedSchemes lists the proxy target schemes accepted. Defaults to coap.
	AllowedSchemes []string
	// LocalResource is the route name whose Location-Path replies are
	// rewritten into gateway-relative Location headers.
	LocalResource string
}

// HTTPTranslator maps HTTP exchanges onto CoAP and back.
type HTTPTranslator struct {
	schemes       map[string]struct{}
	localResource string
}

// NewHTTPTranslator creates a translator.
func NewHTTPTranslator(opts Options) *HTTPTranslator {
	schemes := opts.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"coap"}
	}
	t := &HTTPTranslator{
		schemes:       make(map[string]struct{}, len(schemes)),
		localResource: opts.LocalResource,
	}
	for _, s := range schemes {
		t.schemes[strings.ToLower(s)] = struct{}{}
	}
	if t.localResource == "" {
		t.localResource = "local"
	}
	return t
}

// ToDownstream builds the CoAP request for r. resource is the route name the
// request arrived on; the remainder of the path is either a proxy target or a
// local resource path depending on proxyMode.
func (t *HTTPTranslator) ToDownstream(r *http.Request, body []byte, resource string, proxyMode bool) (*coap.Request, error) {
	code, ok := methodCodes[r.Method]
	if !ok {
		return nil, domain.NewGatewayError(domain.ErrInvalidMethod, StatusWrongMethod, "%s has no CoAP equivalent", r.Method)
	}

	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/"+resource)
	rest = strings.TrimPrefix(rest, "/")

	req := &coap.Request{Code: code}
	if proxyMode {
		target, err := t.proxyTarget(rest, r.URL.RawQuery)
		if err != nil {
			return nil, err
		}
		req.ProxyURI = target
		req.Path = target.Path
		req.Query = splitQuery(target.RawQuery)
	} else {
		p, err := url.PathUnescape(rest)
		if err != nil {
			return nil, domain.NewGatewayError(domain.ErrInvalidField, StatusURIMalformed, "path %q: %v", rest, err)
		}
		req.Path = "/" + p
		req.Query = splitQuery(r.URL.RawQuery)
	}
	if req.Path == "" {
		req.Path = "/"
	}

	if err := translateHeaders(r.Header, req); err != nil {
		return nil, err
	}

	if code == coap.POST || code == coap.PUT {
		req.Payload = body
		if req.ContentFormat == nil && len(body) > 0 {
			req.ContentFormat = coap.MediaTypePtr(coap.AppOctets)
		}
	}
	return req, nil
}

func (t *HTTPTranslator) proxyTarget(raw, rawQuery string) (*url.URL, error) {
	if raw == "" {
		return nil, domain.NewGatewayError(domain.ErrInvalidField, StatusURIMalformed, "missing proxy target")
	}

	switch {
	case strings.Contains(raw, "://"):
	case strings.HasPrefix(raw, "coap:/"):
		// path cleaning collapses the double slash
		raw = "coap://" + strings.TrimPrefix(raw, "coap:/")
	default:
		raw = "coap://" + raw
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, domain.NewGatewayError(domain.ErrInvalidField, StatusURIMalformed, "proxy target %q: %v", raw, err)
	}
	if _, ok := t.schemes[strings.ToLower(target.Scheme)]; !ok {
		return nil, domain.NewGatewayError(domain.ErrInvalidField, StatusURIMalformed, "scheme %q not allowed", target.Scheme)
	}
	if target.Hostname() == "" {
		return nil, domain.NewGatewayError(domain.ErrInvalidField, StatusURIMalformed, "proxy target %q has no host", raw)
	}
	if port := target.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return nil, domain.NewGatewayError(domain.ErrInvalidField, StatusURIMalformed, "invalid port %q", port)
		}
	}

	if rawQuery != "" {
		if target.RawQuery != "" {
			target.RawQuery += "&" + rawQuery
		} else {
			target.RawQuery = rawQuery
		}
	}
	if target.Path == "" {
		target.Path = "/"
	}
	return target, nil
}

func translateHeaders(h http.Header, req *coap.Request) error {
	if ct := h.Get("Content-Type"); ct != "" {
		req.ContentFormat = coap.MediaTypePtr(FormatForContentType(ct))
	}
	if accept := h.Get("Accept"); accept != "" {
		req.Accept = acceptFormat(accept)
	}

	for _, value := range h.Values("If-Match") {
		for _, tag := range strings.Split(value, ",") {
			etag, err := parseETag(strings.TrimSpace(tag))
			if err != nil {
				return err
			}
			req.IfMatch = append(req.IfMatch, etag)
		}
	}
	if strings.TrimSpace(h.Get("If-None-Match")) == "*" {
		req.IfNoneMatch = true
	}
	return nil
}

// parseETag decodes an entity tag written by formatETag. The wildcard maps to
// the empty CoAP If-Match value, which matches any existing representation.
func parseETag(tag string) ([]byte, error) {
	if tag == "*" {
		return []byte{}, nil
	}
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"`)
	etag, err := hex.DecodeString(tag)
	if err != nil || len(etag) > 8 {
		return nil, domain.NewGatewayError(domain.ErrInvalidField, StatusURIMalformed, "invalid entity tag %q", tag)
	}
	return etag, nil
}

func formatETag(etag []byte) string {
	return `"` + hex.EncodeToString(etag) + `"`
}

func splitQuery(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		if unescaped, err := url.QueryUnescape(part); err == nil {
			part = unescaped
		}
		out = append(out, part)
	}
	return out
}

// StatusForCode maps a CoAP response code to an HTTP status.
func StatusForCode(code coap.Code) (int, error) {
	if status, ok := responseStatus[code]; ok {
		return status, nil
	}
	if !coap.IsResponse(code) {
		return 0, fmt.Errorf("%w: %s is not a response code", domain.ErrTranslation, code)
	}
	return int(coap.CodeClass(code)) * 100, nil
}

// ToInboundReply fills reply with the HTTP rendering of resp.
func (t *HTTPTranslator) ToInboundReply(r *http.Request, resp *coap.Response, reply *domain.Reply) error {
	if resp == nil {
		return fmt.Errorf("%w: no response", domain.ErrTranslation)
	}

	status, err := StatusForCode(resp.Code)
	if err != nil {
		return err
	}
	reply.Status = status

	if resp.ContentFormat != nil {
		reply.Header.Set("Content-Type", ContentTypeForFormat(*resp.ContentFormat))
	} else if len(resp.Payload) > 0 {
		reply.Header.Set("Content-Type", ContentTypeForFormat(coap.AppOctets))
	}
	if len(resp.ETag) > 0 {
		reply.Header.Set("ETag", formatETag(resp.ETag))
	}
	switch {
	case resp.MaxAge != nil:
		reply.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", *resp.MaxAge))
	case resp.Code == coap.Content:
		reply.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", DefaultMaxAge))
	}
	if resp.LocationPath != "" && strings.HasPrefix(r.URL.Path, "/"+t.localResource+"/") {
		reply.Header.Set("Location", "/"+t.localResource+resp.LocationPath)
	}

	if r.Method != http.MethodHead && status != http.StatusNoContent && status != http.StatusNotModified {
		reply.Body = resp.Payload
	}
	return nil
}
