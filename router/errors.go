// Error taxonomy for routing and dispatch. Conditions that only mean
// "information is missing" (stats, oracle) are recovered locally by the
// strategies; everything else carries an HTTP status for the caller.

package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// statusError is a sentinel error with a fixed caller-facing HTTP status.
type statusError struct {
	msg  string
	code int
}

func (e *statusError) Error() string   { return e.msg }
func (e *statusError) StatusCode() int { return e.code }

var (
	// ErrNoHealthyEndpoint: the candidate set for the requested model or
	// role is empty. Fatal for the request.
	ErrNoHealthyEndpoint error = &statusError{"no healthy endpoint available", http.StatusServiceUnavailable}

	// ErrQueueTimeout: a queued request exceeded its maximum wait and could
	// not be rerouted elsewhere.
	ErrQueueTimeout error = &statusError{"queued request exceeded maximum wait", http.StatusServiceUnavailable}

	// ErrQueueFull: the per-endpoint queue is at capacity.
	ErrQueueFull error = &statusError{"endpoint queue is full", http.StatusServiceUnavailable}

	// ErrStatsUnavailable: no fresh engine stats for an endpoint. Strategies
	// treat the endpoint as neutrally scored, never as dead.
	ErrStatsUnavailable = errors.New("engine stats unavailable")

	// ErrOracleUnreachable: the cache-location oracle did not answer in
	// time. Strategies fall back to round-robin.
	ErrOracleUnreachable = errors.New("cache oracle unreachable")
)

// DispatchError reports a transport-level failure talking to an endpoint.
// The Dispatcher never retries; retry is a policy of the layer above.
type DispatchError struct {
	URL string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.URL, e.Err)
}

func (e *DispatchError) Unwrap() error   { return e.Err }
func (e *DispatchError) StatusCode() int { return http.StatusBadGateway }

// OrchestrationPhase names which leg of a disaggregated request failed.
type OrchestrationPhase string

const (
	PhasePrefill OrchestrationPhase = "prefill"
	PhaseDecode  OrchestrationPhase = "decode"
)

// OrchestrationError reports a failed leg of a two-phase request. The phase
// distinguishes "never started" (prefill) from "state lost mid-flight"
// (decode) so callers can choose their retry behavior.
type OrchestrationError struct {
	Phase OrchestrationPhase
	URL   string
	Err   error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%s call to %s failed: %v", e.Phase, e.URL, e.Err)
}

func (e *OrchestrationError) Unwrap() error   { return e.Err }
func (e *OrchestrationError) StatusCode() int { return http.StatusBadGateway }

// HTTPStatus maps an error to the status code the caller sees.
func HTTPStatus(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
