package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/polisai/polis-coap/pkg/coap"
	"github.com/polisai/polis-coap/pkg/domain"
)

// Guard authorizes translated requests against the current evaluator.
// The evaluator can be replaced at any time; a Guard without one allows
// everything.
type Guard struct {
	evaluator atomic.Pointer[installed]
	logger    *slog.Logger
}

type installed struct {
	evaluator Evaluator
	mode      Mode
}

// NewGuard creates a guard around engine, which may be nil.
func NewGuard(engine Evaluator, mode Mode, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{logger: logger}
	g.Swap(engine, mode)
	return g
}

// Swap installs a new evaluator and failure mode together.
func (g *Guard) Swap(engine Evaluator, mode Mode) {
	if mode == "" {
		mode = ModeFailClosed
	}
	g.evaluator.Store(&installed{evaluator: engine, mode: mode})
}

// Enabled reports whether an evaluator is installed.
func (g *Guard) Enabled() bool {
	cur := g.evaluator.Load()
	return cur != nil && cur.evaluator != nil
}

// Authorize returns nil when req may be forwarded. Denials wrap
// domain.ErrForbidden.
func (g *Guard) Authorize(ctx context.Context, route string, req *coap.Request) error {
	cur := g.evaluator.Load()
	if cur == nil || cur.evaluator == nil {
		return nil
	}

	input := InputFor(route, req)
	decision, err := cur.evaluator.Evaluate(ctx, input)
	if err != nil {
		g.logger.Error("Policy evaluation failed", "route", route, "target", req.Target(), "mode", string(cur.mode), "error", err)
		if cur.mode == ModeFailOpen {
			return nil
		}
		return fmt.Errorf("%w: policy evaluation failed", domain.ErrForbidden)
	}

	if err := ErrorForDecision(decision); err != nil {
		g.logger.Warn("Request blocked by policy",
			"route", route,
			"method", input.Method,
			"target", req.Target(),
			"reason", decision.Reason,
		)
		return err
	}
	return nil
}
