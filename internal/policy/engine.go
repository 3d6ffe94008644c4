// Package policy decides whether a doctor may act on a diagnosis session.
package policy

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Actions understood by the access module.
const (
	ActionStart  = "start"
	ActionCancel = "cancel"
	ActionStatus = "status"
	ActionRecord = "record"
)

//go:embed access.rego
var DefaultPolicy string

// Input is the document the policy is evaluated against. OwnerID is the
// doctor who created the session and is zero for ActionStart and
// ActionRecord.
type Input struct {
	Action   string `json:"action"`
	DoctorID int64  `json:"doctor_id"`
	OwnerID  int64  `json:"owner_id"`
}

// Engine is a prepared OPA query over the access module.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles policyContent. An empty string selects DefaultPolicy.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	if policyContent == "" {
		policyContent = DefaultPolicy
	}

	r := rego.New(
		rego.Query("data.diagnosis.access.allow"),
		rego.Module("access.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Allow evaluates in. A policy that yields no boolean denies.
func (e *Engine) Allow(ctx context.Context, in Input) (bool, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}
