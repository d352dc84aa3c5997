package policy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/polisai/polis-coap/pkg/coap"
	"github.com/polisai/polis-coap/pkg/domain"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the request to proceed.
	ActionAllow Action = "allow"
	// ActionBlock terminates the request.
	ActionBlock Action = "block"
)

// Decision captures the result of a policy evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Target describes the downstream resource a request is aimed at.
type Target struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	Query  []string
}

// Input provides context for policy evaluation.
type Input struct {
	Route        string
	Method       string
	Proxy        bool
	Target       Target
	Entrypoint   string
	DisableCache bool
}

// InputFor builds the evaluation input for a translated request.
func InputFor(route string, req *coap.Request) Input {
	in := Input{
		Route:  route,
		Method: req.Code.String(),
		Proxy:  req.IsProxy(),
		Target: Target{
			Path:  req.Path,
			Query: append([]string(nil), req.Query...),
		},
	}
	if u := req.ProxyURI; u != nil {
		in.Target.Scheme = u.Scheme
		in.Target.Host = u.Hostname()
		in.Target.Port = coap.DefaultPort
		if p, err := strconv.Atoi(u.Port()); err == nil {
			in.Target.Port = p
		}
	}
	return in
}

// Evaluator evaluates a policy decision for a given input.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// ErrorForDecision converts a block decision into a forbidden error.
func ErrorForDecision(d Decision) error {
	if d.Action != ActionBlock {
		return nil
	}
	reason := d.Reason
	if reason == "" {
		reason = "blocked"
	}
	return fmt.Errorf("%w: %s", domain.ErrForbidden, reason)
}
