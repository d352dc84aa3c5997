package coap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp"
)

// DefaultPort is the IANA CoAP port used when a target omits one.
const DefaultPort = 5683

// UDPDispatcher forwards proxy requests to remote CoAP servers over UDP.
// It dials one connection per exchange and closes it when the exchange ends.
type UDPDispatcher struct {
	DefaultPort int
	Logger      *slog.Logger
}

// NewUDPDispatcher creates a dispatcher using defaultPort for targets
// without an explicit port.
func NewUDPDispatcher(defaultPort int, logger *slog.Logger) *UDPDispatcher {
	if defaultPort <= 0 {
		defaultPort = DefaultPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPDispatcher{DefaultPort: defaultPort, Logger: logger}
}

// Dispatch implements Dispatcher.
func (d *UDPDispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if req.ProxyURI == nil {
		return nil, fmt.Errorf("udp dispatch: request for %s has no proxy target", req.Path)
	}

	addr := d.hostPort(req.ProxyURI.Hostname(), req.ProxyURI.Port())
	conn, err := udp.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			d.Logger.Debug("CoAP connection close failed", "addr", addr, "error", cerr)
		}
	}()

	msg := conn.AcquireMessage(ctx)
	defer conn.ReleaseMessage(msg)
	if err := setupMessage(msg, req); err != nil {
		return nil, fmt.Errorf("udp dispatch: %w", err)
	}

	d.Logger.Debug("Forwarding CoAP request",
		"method", req.Code.String(),
		"addr", addr,
		"path", req.Path,
		"token", msg.Token().String())

	resp, err := conn.Do(msg)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Code, req.ProxyURI, err)
	}
	defer conn.ReleaseMessage(resp)

	return fromPool(resp)
}

func (d *UDPDispatcher) hostPort(host, port string) string {
	if port == "" {
		port = strconv.Itoa(d.DefaultPort)
	}
	return net.JoinHostPort(host, port)
}

// setupMessage renders req into msg. The request token is used as the
// message token so the downstream exchange is keyed by the correlation ID.
func setupMessage(msg *pool.Message, req *Request) error {
	token := req.Token
	if len(token) == 0 {
		generated, err := message.GetToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		token = generated
	}
	p := req.Path
	if p == "" {
		p = "/"
	}

	var err error
	switch req.Code {
	case GET:
		err = msg.SetupGet(p, token)
	case DELETE:
		err = msg.SetupDelete(p, token)
	case POST:
		err = msg.SetupPost(p, token, formatOrDefault(req.ContentFormat), bytes.NewReader(req.Payload))
	case PUT:
		err = msg.SetupPut(p, token, formatOrDefault(req.ContentFormat), bytes.NewReader(req.Payload))
	default:
		return fmt.Errorf("unsupported method %s", req.Code)
	}
	if err != nil {
		return fmt.Errorf("set path %s: %w", p, err)
	}

	for _, q := range req.Query {
		msg.AddQuery(q)
	}
	if req.Accept != nil {
		msg.SetAccept(*req.Accept)
	}
	for _, etag := range req.IfMatch {
		msg.AddOptionBytes(message.IfMatch, etag)
	}
	if req.IfNoneMatch {
		msg.AddOptionBytes(message.IfNoneMatch, nil)
	}
	return nil
}

func fromPool(msg *pool.Message) (*Response, error) {
	resp := &Response{Code: msg.Code()}

	body, err := msg.ReadBody()
	if err != nil {
		return nil, fmt.Errorf("read coap body: %w", err)
	}
	resp.Payload = body

	if cf, err := msg.ContentFormat(); err == nil {
		resp.ContentFormat = MediaTypePtr(cf)
	}
	if etag, err := msg.GetOptionBytes(message.ETag); err == nil {
		resp.ETag = append([]byte(nil), etag...)
	}
	if maxAge, err := msg.GetOptionUint32(message.MaxAge); err == nil {
		resp.MaxAge = &maxAge
	}

	var segments []string
	for _, opt := range msg.Options() {
		if opt.ID == message.LocationPath {
			segments = append(segments, string(opt.Value))
		}
	}
	if len(segments) > 0 {
		resp.LocationPath = "/" + strings.Join(segments, "/")
	}
	return resp, nil
}
