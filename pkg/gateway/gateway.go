package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-coap/internal/governance"
	"github.com/polisai/polis-coap/pkg/coap"
	"github.com/polisai/polis-coap/pkg/domain"
	"github.com/polisai/polis-coap/pkg/exchange"
	"github.com/polisai/polis-coap/pkg/telemetry"
	"github.com/polisai/polis-coap/pkg/translate"
)

// DefaultRootBody is served on paths no route claims.
const DefaultRootBody = "Polis CoAP Gateway"

// DefaultMaxBodyBytes caps inbound bodies when Options.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 1 << 20

// Rejection reasons, used as metric labels.
const (
	reasonRateLimit   = "rate_limit"
	reasonPolicy      = "policy"
	reasonMalformed   = "malformed"
	reasonMethod      = "method"
	reasonTranslation = "translation"
	reasonInternal    = "internal"
	reasonShutdown    = "shutdown"
)

// Translator converts between the inbound HTTP exchange and CoAP.
type Translator interface {
	ToDownstream(r *http.Request, body []byte, resource string, proxyMode bool) (*coap.Request, error)
	ToInboundReply(r *http.Request, resp *coap.Response, reply *domain.Reply) error
}

// Authorizer decides whether a translated request may be forwarded.
type Authorizer interface {
	Authorize(ctx context.Context, route string, req *coap.Request) error
}

// Limiter admits or refuses requests per route.
type Limiter interface {
	Allow(route string) bool
	Status(route string) (limit, remaining int, ok bool)
}

// Options configures a Gateway.
type Options struct {
	// Timeout bounds how long the consumer waits for a downstream result.
	Timeout    time.Duration
	Routes     []RouteEntry
	Dispatcher coap.Dispatcher
	Translator Translator
	// Authorizer and Limiter are optional.
	Authorizer   Authorizer
	Limiter      Limiter
	Logger       *slog.Logger
	Metrics      *Metrics
	Tracer       trace.Tracer
	MaxBodyBytes int64
	RootBody     []byte
}

// Gateway is the HTTP handler that turns requests into CoAP exchanges.
type Gateway struct {
	timeout       time.Duration
	router        *Router
	dispatcher    coap.Dispatcher
	translator    Translator
	authorizer    Authorizer
	limiter       Limiter
	registry      *exchange.Registry[*coap.Response]
	logger        *slog.Logger
	structuredLog *StructuredLogger
	metrics       *Metrics
	tracer        trace.Tracer
	maxBodyBytes  int64
	rootBody      []byte

	baseCtx   context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closed    bool
	producers sync.WaitGroup
	closeOnce sync.Once
}

// resolution is what the consumer hands back to the handler.
type resolution struct {
	reply  *domain.Reply
	absent bool
}

// New creates a gateway. The timeout and routes are fixed for its lifetime.
func New(opts Options) (*Gateway, error) {
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("%w: gateway timeout must be positive", domain.ErrConfigInvalid)
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is required", domain.ErrConfigInvalid)
	}

	routes := opts.Routes
	if routes == nil {
		routes = DefaultRoutes()
	}
	router := NewRouter(routes)

	translator := opts.Translator
	if translator == nil {
		local := ""
		for _, e := range router.Entries() {
			if e.Strategy == LocalForward {
				local = e.Resource()
			}
		}
		translator = translate.NewHTTPTranslator(translate.Options{LocalResource: local})
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(telemetry.TracerName)
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	rootBody := opts.RootBody
	if rootBody == nil {
		rootBody = []byte(DefaultRootBody)
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		timeout:       opts.Timeout,
		router:        router,
		dispatcher:    opts.Dispatcher,
		translator:    translator,
		authorizer:    opts.Authorizer,
		limiter:       opts.Limiter,
		registry:      exchange.NewRegistry[*coap.Response](),
		logger:        logger,
		structuredLog: NewStructuredLogger(logger),
		metrics:       opts.Metrics,
		tracer:        tracer,
		maxBodyBytes:  maxBody,
		rootBody:      rootBody,
		baseCtx:       baseCtx,
		cancel:        cancel,
	}, nil
}

// Timeout returns the gateway timeout.
func (g *Gateway) Timeout() time.Duration {
	return g.timeout
}

// Router returns the route table.
func (g *Gateway) Router() *Router {
	return g.router
}

// InFlight returns the number of registered exchanges.
func (g *Gateway) InFlight() int {
	return g.registry.Len()
}

// Close cancels every in-flight exchange and waits for their producers to
// return. Consumers still waiting resolve as interrupted.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		g.cancel()
		g.producers.Wait()
	})
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		g.send(w, preflightReply())
		return
	}

	entry := g.router.Match(r.URL.Path)
	if entry.Strategy == RootStatic {
		g.logger.Debug("Root request handled", "path", r.URL.Path)
		g.send(w, staticReply(g.rootBody))
		return
	}

	g.forward(w, r, entry)
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, entry RouteEntry) {
	route := entry.Name()
	ctx, span := g.tracer.Start(r.Context(), "gateway.exchange", trace.WithAttributes(
		attribute.String("gateway.route", route),
		attribute.String("http.request.method", r.Method),
	))
	defer span.End()

	if g.limiter != nil && !g.limiter.Allow(route) {
		reply := errorReply(http.StatusTooManyRequests, "")
		if limit, remaining, ok := g.limiter.Status(route); ok {
			governance.WriteRateLimitHeaders(reply.Header, limit, remaining, time.Now().Add(time.Second))
		}
		g.reject(ctx, w, r, span, route, reasonRateLimit, reply, domain.ErrRateLimited)
		return
	}

	body, err := g.readBody(w, r)
	if err != nil {
		err = domain.NewGatewayError(domain.ErrInvalidField, translate.StatusURIMalformed, "request body: %v", err)
		g.reject(ctx, w, r, span, route, reasonMalformed, errorReply(translate.StatusURIMalformed, err.Error()), err)
		return
	}

	req, err := g.translator.ToDownstream(r, body, entry.Resource(), entry.Strategy == ProxyForward)
	if err != nil {
		status := domain.StatusOf(err, translate.StatusTranslationError)
		reason := reasonTranslation
		switch {
		case errors.Is(err, domain.ErrInvalidMethod):
			reason = reasonMethod
		case errors.Is(err, domain.ErrInvalidField):
			reason = reasonMalformed
		}
		g.reject(ctx, w, r, span, route, reason, errorReply(status, err.Error()), err)
		return
	}
	span.SetAttributes(
		attribute.String("coap.method", req.Code.String()),
		attribute.String("coap.target", req.Target()),
	)

	if g.authorizer != nil {
		if err := g.authorizer.Authorize(ctx, route, req); err != nil {
			g.reject(ctx, w, r, span, route, reasonPolicy, errorReply(http.StatusForbidden, ""), err)
			return
		}
	}

	g.runExchange(ctx, w, r, span, route, req)
}

// runExchange registers the exchange, starts the producer and the consumer,
// and writes whatever the consumer resolves.
func (g *Gateway) runExchange(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, route string, req *coap.Request) {
	start := time.Now()
	lc := exchange.NewLifecycle()

	id, err := exchange.NewID()
	if err != nil {
		g.reject(ctx, w, r, span, route, reasonInternal, errorReply(http.StatusInternalServerError, ""), err)
		return
	}
	req.Token = id.Token()
	span.SetAttributes(attribute.String("exchange.id", id.String()))

	if !g.acquireProducer() {
		g.reject(ctx, w, r, span, route, reasonShutdown, errorReply(http.StatusInternalServerError, ""), domain.ErrInterrupted)
		return
	}
	if _, err := g.registry.Register(id); err != nil {
		g.producers.Done()
		g.logger.Error("Exchange registration failed", "exchange_id", id.String(), "error", err)
		g.reject(ctx, w, r, span, route, reasonInternal, errorReply(http.StatusInternalServerError, ""), err)
		return
	}
	g.advance(lc, id, exchange.StateRegistered)
	if g.metrics != nil {
		g.metrics.ExchangeStarted()
	}

	produceCtx, cancelProducer := context.WithCancel(trace.ContextWithSpan(g.baseCtx, span))
	go g.produce(produceCtx, id, route, req)

	consumeCtx, cancelConsumer := context.WithCancel(ctx)
	stop := context.AfterFunc(g.baseCtx, cancelConsumer)
	defer stop()
	defer cancelConsumer()

	done := make(chan resolution, 1)
	go func() {
		done <- g.consume(consumeCtx, r, id, lc, cancelProducer)
	}()
	res := <-done

	sendErr := res.reply.Send(w)
	g.advance(lc, id, exchange.StateReplied)

	outcome := lc.Outcome().String()
	status := res.reply.Status
	duration := time.Since(start)

	telemetry.RecordExchangeEvent(span, outcome, status, res.absent)
	telemetry.RecordExchange(ctx, telemetry.ExchangeMetrics{
		Route:    route,
		Method:   r.Method,
		Outcome:  outcome,
		Status:   status,
		Duration: duration,
		Absent:   res.absent,
	})
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, outcome)
	}
	if g.metrics != nil {
		g.metrics.RecordExchange(route, outcome, status, duration)
	}
	g.structuredLog.LogExchange(ctx, ExchangeRecord{
		ID:       id.String(),
		Route:    route,
		Method:   r.Method,
		Target:   req.Target(),
		Outcome:  outcome,
		Status:   status,
		Absent:   res.absent,
		Duration: duration,
	})
	if sendErr != nil {
		g.logger.Debug("Failed to write reply", "exchange_id", id.String(), "error", sendErr)
	}
}

// produce runs the downstream dispatch and delivers its result. It has no
// timeout of its own; the consumer cancels ctx when it stops waiting.
func (g *Gateway) produce(ctx context.Context, id exchange.ID, route string, req *coap.Request) {
	defer g.producers.Done()

	ctx, span := g.tracer.Start(ctx, "gateway.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("exchange.id", id.String()),
			attribute.String("coap.target", req.Target()),
		))
	defer span.End()

	resp, err := g.dispatcher.Dispatch(ctx, req)
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		if err == nil {
			g.lateDelivery(id, route)
		}
		return
	}
	if err != nil {
		span.RecordError(err)
		g.logger.Warn("Downstream dispatch failed",
			"exchange_id", id.String(),
			"target", req.Target(),
			"error", err)
		resp = nil
	}
	if resp != nil {
		span.SetAttributes(attribute.String("coap.code", resp.Code.String()))
	}

	if !g.registry.Deliver(id, resp) {
		g.lateDelivery(id, route)
	}
}

// consume waits for the producer's result and turns it into a reply. It
// always cancels the producer before returning.
func (g *Gateway) consume(ctx context.Context, r *http.Request, id exchange.ID, lc *exchange.Lifecycle, cancelProducer context.CancelFunc) resolution {
	defer cancelProducer()

	slot, ok := g.registry.Lookup(id)
	if !ok {
		g.advance(lc, id, exchange.StateConsistencyError)
		g.logger.Error("Exchange missing from registry", "exchange_id", id.String())
		return resolution{reply: errorReply(http.StatusInternalServerError, "")}
	}
	g.advance(lc, id, exchange.StateAwaiting)

	resp, err := g.registry.Take(ctx, id, g.timeout)
	if g.registry.Remove(id) && g.metrics != nil {
		g.metrics.ExchangeFinished()
	}

	switch {
	case errors.Is(err, domain.ErrGatewayTimeout):
		g.advance(lc, id, exchange.StateTimedOut)
		g.logger.Debug("Exchange timed out", "exchange_id", id.String(), "waited", slot.Age())
		return resolution{reply: errorReply(http.StatusGatewayTimeout, "")}
	case errors.Is(err, domain.ErrConsistency):
		g.advance(lc, id, exchange.StateConsistencyError)
		g.logger.Error("Exchange slot lost while waiting", "exchange_id", id.String(), "error", err)
		return resolution{reply: errorReply(http.StatusInternalServerError, "")}
	case err != nil:
		g.advance(lc, id, exchange.StateInterrupted)
		return resolution{reply: errorReply(http.StatusInternalServerError, "")}
	}

	g.advance(lc, id, exchange.StateFulfilled)
	if resp == nil {
		return resolution{reply: errorReply(http.StatusNotFound, ""), absent: true}
	}

	reply := domain.NewReply()
	if err := g.translator.ToInboundReply(r, resp, reply); err != nil {
		g.logger.Warn("Response translation failed", "exchange_id", id.String(), "code", resp.Code.String(), "error", err)
		return resolution{reply: errorReply(translate.StatusTranslationError, err.Error())}
	}
	SetCORS(reply.Header)
	return resolution{reply: reply}
}

// acquireProducer reserves a producer slot unless the gateway is closed.
func (g *Gateway) acquireProducer() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.producers.Add(1)
	return true
}

func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBodyBytes))
}

func (g *Gateway) reject(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, route, reason string, reply *domain.Reply, err error) {
	span.SetAttributes(attribute.String("gateway.rejection", reason))
	if reply.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, reason)
	}
	telemetry.RecordRejection(ctx, route, reason)
	if g.metrics != nil {
		g.metrics.RecordRejection(route, reason)
	}
	g.structuredLog.LogRejection(ctx, route, r.Method, reason, reply.Status, err)
	g.send(w, reply)
}

func (g *Gateway) lateDelivery(id exchange.ID, route string) {
	telemetry.RecordLateDelivery(context.Background(), route)
	if g.metrics != nil {
		g.metrics.RecordLateDelivery(route)
	}
	g.logger.Debug("Downstream result arrived after exchange was resolved", "exchange_id", id.String(), "route", route)
}

func (g *Gateway) advance(lc *exchange.Lifecycle, id exchange.ID, next exchange.State) {
	if err := lc.Advance(next); err != nil {
		g.logger.Error("Exchange state machine violated", "exchange_id", id.String(), "error", err)
	}
}

func (g *Gateway) send(w http.ResponseWriter, reply *domain.Reply) {
	if err := reply.Send(w); err != nil {
		g.logger.Debug("Failed to write reply", "error", err)
	}
}
