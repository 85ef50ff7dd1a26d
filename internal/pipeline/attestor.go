package pipeline

import (
	"context"
	"time"
)

// DefaultAttestationDelay matches the confirmation pause callers have historically observed.
const DefaultAttestationDelay = 2 * time.Second

// Attestor confirms an accepted activity before anything is minted.
type Attestor interface {
	Attest(ctx context.Context, req SubmitRequest) error
}

// AttestorFunc adapts a function to the Attestor interface.
type AttestorFunc func(ctx context.Context, req SubmitRequest) error

// Attest calls f.
func (f AttestorFunc) Attest(ctx context.Context, req SubmitRequest) error {
	return f(ctx, req)
}

// DelayAttestor confirms every activity after a fixed delay.
type DelayAttestor struct {
	Delay time.Duration
}

// Attest waits for the delay or for ctx to end.
func (a DelayAttestor) Attest(ctx context.Context, _ SubmitRequest) error {
	if a.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(a.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
