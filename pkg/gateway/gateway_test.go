package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	coapUDP "github.com/plgd-dev/go-coap/v3/udp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/polisai/polis-coap/internal/governance"
	"github.com/polisai/polis-coap/pkg/coap"
	"github.com/polisai/polis-coap/pkg/domain"
	"github.com/polisai/polis-coap/pkg/exchange"
	"github.com/polisai/polis-coap/pkg/translate"
)

func newTestGateway(t *testing.T, timeout time.Duration, d coap.Dispatcher, mutate ...func(*Options)) *Gateway {
	t.Helper()
	opts := Options{
		Timeout:    timeout,
		Dispatcher: d,
	}
	for _, m := range mutate {
		m(&opts)
	}
	g, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func contentAfter(delay time.Duration, payload string) coap.DispatcherFunc {
	return func(ctx context.Context, _ *coap.Request) (*coap.Response, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &coap.Response{
			Code:          coap.Content,
			ContentFormat: coap.MediaTypePtr(coap.TextPlain),
			Payload:       []byte(payload),
		}, nil
	}
}

// blockingDispatcher never answers and closes cancelled once its context ends.
func blockingDispatcher(cancelled chan struct{}) coap.DispatcherFunc {
	return func(ctx context.Context, _ *coap.Request) (*coap.Response, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}
}

func serve(g http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func assertCORS(t *testing.T, h http.Header) {
	t.Helper()
	assert.Equal(t, CORSAllowMethods, h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, CORSAllowOrigin, h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, CORSAllowHeaders, h.Get("Access-Control-Allow-Headers"))
}

func TestDeliveryBeforeTimeout(t *testing.T) {
	g := newTestGateway(t, 750*time.Millisecond, contentAfter(50*time.Millisecond, "hello"))

	rec := serve(g, http.MethodGet, "/local/hello", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assertCORS(t, rec.Header())
	assert.Zero(t, g.InFlight())
}

func TestProxyDeliveryBeforeTimeout(t *testing.T) {
	tokens := make(chan message.Token, 1)
	router := mux.NewRouter()
	require.NoError(t, router.Handle("/sensors/temp", mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		time.Sleep(50 * time.Millisecond)
		tokens <- append(message.Token(nil), r.Token()...)
		_ = w.SetResponse(codes.Content, message.TextPlain, bytes.NewReader([]byte("21.5")))
	})))
	l, err := coapNet.NewListenUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := coapUDP.NewServer(options.WithMux(router))
	go func() {
		_ = srv.Serve(l)
	}()
	t.Cleanup(func() {
		srv.Stop()
		_ = l.Close()
	})

	g := newTestGateway(t, 750*time.Millisecond, coap.NewUDPDispatcher(0, nil))

	rec := serve(g, http.MethodGet, "/proxy/coap://"+l.LocalAddr().String()+"/sensors/temp", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "21.5", rec.Body.String())
	assertCORS(t, rec.Header())
	assert.Zero(t, g.InFlight())
	select {
	case token := <-tokens:
		// The downstream token is derived from the exchange ID.
		assert.Len(t, token, 8)
	default:
		t.Fatal("CoAP server saw no request")
	}
}

func TestNoDeliveryTimesOut(t *testing.T) {
	cancelled := make(chan struct{})
	g := newTestGateway(t, 100*time.Millisecond, blockingDispatcher(cancelled))

	start := time.Now()
	rec := serve(g, http.MethodGet, "/proxy/coap://127.0.0.1/temp", nil)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Zero(t, g.InFlight())

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("producer was not cancelled after the timeout")
	}
}

func TestAbsentResultIsNotFound(t *testing.T) {
	absent := coap.DispatcherFunc(func(context.Context, *coap.Request) (*coap.Response, error) {
		return nil, nil
	})
	g := newTestGateway(t, 750*time.Millisecond, absent)

	rec := serve(g, http.MethodGet, "/local/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, g.InFlight())
}

func TestDispatchErrorIsAbsent(t *testing.T) {
	failing := coap.DispatcherFunc(func(context.Context, *coap.Request) (*coap.Response, error) {
		return nil, errors.New("connection refused")
	})
	g := newTestGateway(t, 750*time.Millisecond, failing)

	rec := serve(g, http.MethodGet, "/proxy/coap://127.0.0.1/temp", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLookupMissRepliesInternalError(t *testing.T) {
	g := newTestGateway(t, 750*time.Millisecond, contentAfter(0, "unused"))

	id, err := exchange.NewID()
	require.NoError(t, err)
	lc := exchange.NewLifecycle()
	require.NoError(t, lc.Advance(exchange.StateRegistered))

	var producerCancelled atomic.Bool
	r := httptest.NewRequest(http.MethodGet, "/local/x", nil)
	res := g.consume(context.Background(), r, id, lc, func() { producerCancelled.Store(true) })

	assert.Equal(t, http.StatusInternalServerError, res.reply.Status)
	assert.Equal(t, exchange.StateConsistencyError, lc.State())
	assert.True(t, producerCancelled.Load())
}

type countingTranslator struct {
	Translator
	calls atomic.Int32
}

func (c *countingTranslator) ToDownstream(r *http.Request, body []byte, resource string, proxyMode bool) (*coap.Request, error) {
	c.calls.Add(1)
	return c.Translator.ToDownstream(r, body, resource, proxyMode)
}

func TestOptionsIsInterceptedEverywhere(t *testing.T) {
	var dispatched atomic.Int32
	d := coap.DispatcherFunc(func(context.Context, *coap.Request) (*coap.Response, error) {
		dispatched.Add(1)
		return nil, nil
	})
	tr := &countingTranslator{Translator: translate.NewHTTPTranslator(translate.Options{})}
	g := newTestGateway(t, 750*time.Millisecond, d, func(o *Options) { o.Translator = tr })

	for _, target := range []string{"/proxy/coap://127.0.0.1/a", "/local/a", "/", "/elsewhere"} {
		rec := serve(g, http.MethodOptions, target, nil)
		assert.Equal(t, http.StatusOK, rec.Code, target)
		assertCORS(t, rec.Header())
	}

	assert.Zero(t, tr.calls.Load())
	assert.Zero(t, dispatched.Load())
	assert.Zero(t, g.InFlight())
}

func TestRootStaticBody(t *testing.T) {
	g := newTestGateway(t, 750*time.Millisecond, contentAfter(0, "unused"))

	for _, target := range []string{"/", "/index.html", "/proxyish"} {
		rec := serve(g, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, DefaultRootBody, rec.Body.String(), target)
	}
}

func TestRouterPrefersSpecificPrefix(t *testing.T) {
	r := NewRouter([]RouteEntry{
		{Prefix: "/proxy", Strategy: ProxyForward},
		{Prefix: "/proxy/local/", Strategy: LocalForward},
		{Prefix: "/", Strategy: ProxyForward},
	})

	assert.Equal(t, LocalForward, r.Match("/proxy/local/x").Strategy)
	assert.Equal(t, ProxyForward, r.Match("/proxy/coap://h/x").Strategy)
	assert.Equal(t, ProxyForward, r.Match("/proxy").Strategy)
	assert.Equal(t, RootStatic, r.Match("/proxyx").Strategy)
	assert.Equal(t, RootStatic, r.Match("/").Strategy)
	assert.Len(t, r.Entries(), 2)
	assert.Equal(t, "proxy/local", r.Match("/proxy/local/x").Resource())
	assert.Equal(t, "root", r.Match("/nothing").Name())
}

func TestProtocolErrors(t *testing.T) {
	g := newTestGateway(t, 750*time.Millisecond, contentAfter(0, "unused"))

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"unsupported method", http.MethodPatch, "/local/x", translate.StatusWrongMethod},
		{"missing proxy target", http.MethodGet, "/proxy/", translate.StatusURIMalformed},
		{"scheme not allowed", http.MethodGet, "/proxy/http://127.0.0.1/x", translate.StatusURIMalformed},
		{"bad port", http.MethodGet, "/proxy/coap://127.0.0.1:99999/x", translate.StatusURIMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(g, tt.method, tt.target, nil)
			assert.Equal(t, tt.want, rec.Code)
			assert.Zero(t, g.InFlight())
		})
	}
}

func TestBodyLimit(t *testing.T) {
	g := newTestGateway(t, 750*time.Millisecond, contentAfter(0, "ok"), func(o *Options) {
		o.MaxBodyBytes = 4
	})

	rec := serve(g, http.MethodPut, "/local/x", []byte("much too long"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(g, http.MethodPut, "/local/x", []byte("ok"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResponseTranslationFailure(t *testing.T) {
	bogus := coap.DispatcherFunc(func(context.Context, *coap.Request) (*coap.Response, error) {
		return &coap.Response{Code: coap.GET}, nil
	})
	g := newTestGateway(t, 750*time.Millisecond, bogus)

	rec := serve(g, http.MethodGet, "/local/x", nil)
	assert.Equal(t, translate.StatusTranslationError, rec.Code)
}

func TestRateLimitRejects(t *testing.T) {
	limiter := governance.NewRateLimiter(map[string]governance.RateLimiterConfig{
		"local": {RequestsPerSecond: 0.001, BurstSize: 1},
	})
	metrics := NewMetrics()
	g := newTestGateway(t, 750*time.Millisecond, contentAfter(0, "ok"), func(o *Options) {
		o.Limiter = limiter
		o.Metrics = metrics
	})

	assert.Equal(t, http.StatusOK, serve(g, http.MethodGet, "/local/x", nil).Code)

	rec := serve(g, http.MethodGet, "/local/x", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, serve(g, http.MethodGet, "/proxy/coap://127.0.0.1/x", nil).Code)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.rejectionsTotal.WithLabelValues("local", reasonRateLimit)), 0)
}

type authorizerFunc func(ctx context.Context, route string, req *coap.Request) error

func (f authorizerFunc) Authorize(ctx context.Context, route string, req *coap.Request) error {
	return f(ctx, route, req)
}

func TestPolicyDenies(t *testing.T) {
	var dispatched atomic.Int32
	d := coap.DispatcherFunc(func(context.Context, *coap.Request) (*coap.Response, error) {
		dispatched.Add(1)
		return &coap.Response{Code: coap.Content}, nil
	})
	deny := authorizerFunc(func(_ context.Context, route string, req *coap.Request) error {
		if route == "proxy" && req.ProxyURI.Hostname() != "127.0.0.1" {
			return fmt.Errorf("%w: host not allowed", domain.ErrForbidden)
		}
		return nil
	})
	g := newTestGateway(t, 750*time.Millisecond, d, func(o *Options) { o.Authorizer = deny })

	rec := serve(g, http.MethodGet, "/proxy/coap://10.0.0.9/x", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, dispatched.Load())

	rec = serve(g, http.MethodGet, "/proxy/coap://127.0.0.1/x", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), dispatched.Load())
}

func TestCloseInterruptsInFlight(t *testing.T) {
	cancelled := make(chan struct{})
	g, err := New(Options{Timeout: 5 * time.Second, Dispatcher: blockingDispatcher(cancelled)})
	require.NoError(t, err)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- serve(g, http.MethodGet, "/local/x", nil)
	}()

	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	g.Close()

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight exchange was not interrupted")
	}
	<-cancelled
	assert.Zero(t, g.InFlight())
}

func TestRequestCancellationInterrupts(t *testing.T) {
	cancelled := make(chan struct{})
	g := newTestGateway(t, 5*time.Second, blockingDispatcher(cancelled))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/local/x", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	time.AfterFunc(50*time.Millisecond, cancel)
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("producer was not cancelled")
	}
}

func TestLateDeliveryIsCounted(t *testing.T) {
	release := make(chan struct{})
	stubborn := coap.DispatcherFunc(func(context.Context, *coap.Request) (*coap.Response, error) {
		<-release
		return &coap.Response{Code: coap.Content}, nil
	})
	metrics := NewMetrics()
	g := newTestGateway(t, 30*time.Millisecond, stubborn, func(o *Options) { o.Metrics = metrics })

	rec := serve(g, http.MethodGet, "/local/x", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	close(release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.lateDeliveries.WithLabelValues("local")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, g.InFlight())
}

func TestExchangeMetricsAndSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics := NewMetrics()
	g := newTestGateway(t, 750*time.Millisecond, contentAfter(0, "ok"), func(o *Options) {
		o.Metrics = metrics
		o.Tracer = provider.Tracer("test")
	})

	rec := serve(g, http.MethodGet, "/local/x", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.exchangesTotal.WithLabelValues("local", "fulfilled", "200")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.exchangesActive), 0)

	var exchangeSpan sdktrace.ReadOnlySpan
	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
		if s.Name() == "gateway.exchange" {
			exchangeSpan = s
		}
	}
	assert.True(t, names["gateway.dispatch"])
	require.NotNil(t, exchangeSpan)
	require.NotEmpty(t, exchangeSpan.Events())
	assert.Equal(t, "exchange.resolved", exchangeSpan.Events()[len(exchangeSpan.Events())-1].Name)
}

func TestLocalServerEndToEnd(t *testing.T) {
	local := coap.NewLocalServer([]coap.Resource{
		{Path: "/hello", Content: []byte("world"), ContentFormat: coap.TextPlain},
	}, nil)
	g := newTestGateway(t, 750*time.Millisecond, &coap.Switch{Local: local})

	rec := serve(g, http.MethodGet, "/local/hello", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "world", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	rec = serve(g, http.MethodHead, "/local/hello", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = serve(g, http.MethodPost, "/local/hello", []byte("child"))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/local/hello/"))

	rec = serve(g, http.MethodDelete, "/local/hello", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(g, http.MethodGet, "/local/hello", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// No proxy dispatcher is configured.
	rec = serve(g, http.MethodGet, "/proxy/coap://127.0.0.1/x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Dispatcher: contentAfter(0, "")})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = New(Options{Timeout: time.Second})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

// Every exchange resolves to the status its outcome dictates and leaves the
// registry empty.
func TestExchangeOutcomeProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		kind := rapid.SampledFrom([]string{"content", "absent", "error", "never"}).Draw(rt, "kind")
		delay := time.Duration(rapid.IntRange(0, 10).Draw(rt, "delay_ms")) * time.Millisecond

		timeout := 500 * time.Millisecond
		var d coap.DispatcherFunc
		want := http.StatusOK
		switch kind {
		case "content":
			d = contentAfter(delay, "v")
		case "absent":
			d = func(context.Context, *coap.Request) (*coap.Response, error) {
				time.Sleep(delay)
				return nil, nil
			}
			want = http.StatusNotFound
		case "error":
			d = func(context.Context, *coap.Request) (*coap.Response, error) {
				time.Sleep(delay)
				return nil, errors.New("unreachable")
			}
			want = http.StatusNotFound
		case "never":
			d = func(ctx context.Context, _ *coap.Request) (*coap.Response, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			timeout = 15 * time.Millisecond
			want = http.StatusGatewayTimeout
		}

		g, err := New(Options{Timeout: timeout, Dispatcher: d})
		if err != nil {
			rt.Fatalf("new gateway: %v", err)
		}
		defer g.Close()

		rec := serve(g, http.MethodGet, "/local/p", nil)
		if rec.Code != want {
			rt.Fatalf("%s: status %d, want %d", kind, rec.Code, want)
		}
		if n := g.InFlight(); n != 0 {
			rt.Fatalf("%s: %d exchanges left in registry", kind, n)
		}
	})
}
