package brain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
// Once the primary has forwarded a delta the fallback is never used, so the
// caller never sees two replies spliced together.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter

	// FirstDeltaTimeout, when positive, abandons a primary that has produced
	// nothing within the window and switches to the fallback.
	FirstDeltaTimeout time.Duration
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{
		primary:  primary,
		fallback: fallback,
	}
}

// Primary returns the preferred adapter used before fallback.
func (a *FallbackAdapter) Primary() Adapter {
	if a == nil {
		return nil
	}
	return a.primary
}

// Secondary returns the fallback adapter.
func (a *FallbackAdapter) Secondary() Adapter {
	if a == nil {
		return nil
	}
	return a.fallback
}

var errFirstDeltaTimeout = errors.New("primary adapter produced no output before first-delta timeout")

func (a *FallbackAdapter) StreamResponse(
	ctx context.Context,
	req MessageRequest,
	onDelta DeltaHandler,
) (MessageResponse, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.StreamResponse(ctx, req, onDelta)
		}
		return MessageResponse{}, fmt.Errorf("fallback adapter misconfigured")
	}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	var emitted atomic.Bool
	if a.FirstDeltaTimeout > 0 {
		timer := time.AfterFunc(a.FirstDeltaTimeout, func() {
			if !emitted.Load() {
				cancelPrimary()
			}
		})
		defer timer.Stop()
	}

	resp, err := a.primary.StreamResponse(primaryCtx, req, func(delta string) error {
		emitted.Store(true)
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return resp, ctx.Err()
	}
	if emitted.Load() || a.fallback == nil {
		return resp, err
	}
	if primaryCtx.Err() != nil {
		err = errFirstDeltaTimeout
	}

	fallbackResp, fallbackErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return fallbackResp, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}

func (a *FallbackAdapter) Generate(ctx context.Context, req MessageRequest) (MessageResponse, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.Generate(ctx, req)
		}
		return MessageResponse{}, fmt.Errorf("fallback adapter misconfigured")
	}
	resp, err := a.primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil || a.fallback == nil {
		return MessageResponse{}, err
	}
	fallbackResp, fallbackErr := a.fallback.Generate(ctx, req)
	if fallbackErr != nil {
		return MessageResponse{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}

// NonStreamingFallback retries a stream that failed before its first delta
// with one Generate call, forwarding the complete text as a single delta.
type NonStreamingFallback struct {
	inner Adapter
}

func NewNonStreamingFallback(inner Adapter) *NonStreamingFallback {
	return &NonStreamingFallback{inner: inner}
}

func (a *NonStreamingFallback) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	var emitted bool
	resp, err := a.inner.StreamResponse(ctx, req, func(delta string) error {
		emitted = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil || emitted || ctx.Err() != nil {
		return resp, err
	}

	whole, genErr := a.inner.Generate(ctx, req)
	if genErr != nil {
		return MessageResponse{}, fmt.Errorf("stream error: %w; non-streaming retry error: %v", err, genErr)
	}
	if whole.Text != "" && onDelta != nil {
		if err := onDelta(whole.Text); err != nil {
			return MessageResponse{}, err
		}
	}
	return whole, nil
}

func (a *NonStreamingFallback) Generate(ctx context.Context, req MessageRequest) (MessageResponse, error) {
	return a.inner.Generate(ctx, req)
}
