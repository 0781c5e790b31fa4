package actor

import (
	"context"

	"github.com/google/uuid"
)

type activationCtxKey struct{}

// ActivationInfo contains information about the activation that is processing an invocation.
type ActivationInfo struct {
	// Identity of the actor
	Identity Identity
	// ID of the activation, which changes every time the actor is activated
	ActivationID uuid.UUID
}

// WithActivation returns a context that carries info about the current activation.
func WithActivation(ctx context.Context, info ActivationInfo) context.Context {
	return context.WithValue(ctx, activationCtxKey{}, info)
}

// ActivationFromContext returns the info about the activation that is processing the invocation.
// It's available in the context passed to actor methods and lifecycle hooks.
func ActivationFromContext(ctx context.Context) (ActivationInfo, bool) {
	info, ok := ctx.Value(activationCtxKey{}).(ActivationInfo)
	return info, ok
}

type headersCtxKey struct{}

// WithHeaders returns a context that carries headers for outgoing invocations.
// Headers set on an InvokeRequest take precedence over those in the context.
func WithHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, headersCtxKey{}, headers)
}

// HeadersFromContext returns the headers attached to the context.
// In actor methods, these are the headers that were sent with the invocation.
func HeadersFromContext(ctx context.Context) map[string]string {
	headers, _ := ctx.Value(headersCtxKey{}).(map[string]string)
	return headers
}
