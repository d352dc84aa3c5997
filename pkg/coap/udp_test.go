package coap

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseURL(t testing.TB, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// startCoAPServer runs a go-coap UDP server on a loopback port.
func startCoAPServer(t *testing.T, router *mux.Router) string {
	t.Helper()

	l, err := coapNet.NewListenUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := udp.NewServer(options.WithMux(router))
	go func() {
		_ = s.Serve(l)
	}()
	t.Cleanup(func() {
		s.Stop()
		_ = l.Close()
	})

	return l.LocalAddr().String()
}

func TestUDPDispatcherGet(t *testing.T) {
	router := mux.NewRouter()
	require.NoError(t, router.Handle("/temp", mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		_ = w.SetResponse(codes.Content, message.AppJSON, bytes.NewReader([]byte(`{"c":21}`)))
	})))
	addr := startCoAPServer(t, router)

	d := NewUDPDispatcher(0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := d.Dispatch(ctx, &Request{
		Code:     GET,
		Path:     "/temp",
		ProxyURI: mustParseURL(t, "coap://"+addr+"/temp"),
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, Content, resp.Code)
	assert.Equal(t, []byte(`{"c":21}`), resp.Payload)
	require.NotNil(t, resp.ContentFormat)
	assert.Equal(t, AppJSON, *resp.ContentFormat)
}

func TestUDPDispatcherPostCarriesPayload(t *testing.T) {
	received := make(chan []byte, 1)
	router := mux.NewRouter()
	require.NoError(t, router.Handle("/sink", mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		var body []byte
		if r.Body() != nil {
			body, _ = io.ReadAll(r.Body())
		}
		received <- body
		_ = w.SetResponse(codes.Created, message.TextPlain, bytes.NewReader([]byte("ok")))
	})))
	addr := startCoAPServer(t, router)

	d := NewUDPDispatcher(0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := d.Dispatch(ctx, &Request{
		Code:          POST,
		Path:          "/sink",
		ProxyURI:      mustParseURL(t, "coap://"+addr+"/sink"),
		ContentFormat: MediaTypePtr(TextPlain),
		Payload:       []byte("reading"),
	})
	require.NoError(t, err)
	assert.Equal(t, Created, resp.Code)

	select {
	case body := <-received:
		assert.Equal(t, []byte("reading"), body)
	case <-time.After(time.Second):
		t.Fatal("server did not receive the request")
	}
}

func TestUDPDispatcherRequiresProxyTarget(t *testing.T) {
	d := NewUDPDispatcher(0, nil)
	_, err := d.Dispatch(context.Background(), &Request{Code: GET, Path: "/x"})
	assert.Error(t, err)
}

func TestUDPDispatcherDefaultPort(t *testing.T) {
	d := NewUDPDispatcher(0, nil)
	assert.Equal(t, "example.org:5683", d.hostPort("example.org", ""))
	assert.Equal(t, "example.org:1234", d.hostPort("example.org", "1234"))

	d = NewUDPDispatcher(6000, nil)
	assert.Equal(t, "[::1]:6000", d.hostPort("::1", ""))
}

func TestUDPDispatcherSendsRequestToken(t *testing.T) {
	tokens := make(chan message.Token, 1)
	router := mux.NewRouter()
	require.NoError(t, router.Handle("/temp", mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		tokens <- append(message.Token(nil), r.Token()...)
		_ = w.SetResponse(codes.Content, message.TextPlain, bytes.NewReader([]byte("21")))
	})))
	addr := startCoAPServer(t, router)

	d := NewUDPDispatcher(0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	token := message.Token{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	resp, err := d.Dispatch(ctx, &Request{
		Token:    token,
		Code:     GET,
		Path:     "/temp",
		ProxyURI: mustParseURL(t, "coap://"+addr+"/temp"),
	})
	require.NoError(t, err)
	assert.Equal(t, Content, resp.Code)

	select {
	case got := <-tokens:
		assert.Equal(t, token, got)
	case <-time.After(time.Second):
		t.Fatal("server did not receive the request")
	}
}

func TestSetupMessage(t *testing.T) {
	msg := pool.NewMessage(context.Background())
	req := &Request{
		Token:       message.Token{0x01, 0x02},
		Code:        PUT,
		Path:        "/a/b",
		Query:       []string{"a=1", "b"},
		Accept:      MediaTypePtr(AppJSON),
		IfMatch:     [][]byte{{0x01}},
		IfNoneMatch: true,
		Payload:     []byte("v"),
	}
	require.NoError(t, setupMessage(msg, req))

	assert.Equal(t, PUT, msg.Code())
	assert.Equal(t, message.Token{0x01, 0x02}, msg.Token())
	p, err := msg.Path()
	require.NoError(t, err)
	assert.Equal(t, "/a/b", p)
	queries, err := msg.Queries()
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "b"}, queries)
	accept, err := msg.Accept()
	require.NoError(t, err)
	assert.Equal(t, AppJSON, accept)
	cf, err := msg.ContentFormat()
	require.NoError(t, err)
	assert.Equal(t, AppOctets, cf)
	ifMatch, err := msg.GetOptionBytes(message.IfMatch)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, ifMatch)
	assert.True(t, msg.HasOption(message.IfNoneMatch))
}

func TestSetupMessageGeneratesMissingToken(t *testing.T) {
	msg := pool.NewMessage(context.Background())
	require.NoError(t, setupMessage(msg, &Request{Code: GET}))
	assert.NotEmpty(t, msg.Token())
	assert.Equal(t, GET, msg.Code())
}

func TestSetupMessageRejectsUnknownMethod(t *testing.T) {
	msg := pool.NewMessage(context.Background())
	assert.Error(t, setupMessage(msg, &Request{Code: Content, Path: "/x"}))
}
