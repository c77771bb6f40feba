package architect

import (
	"context"

	"github.com/steveyegge/architect/internal/lifecycle"
)

// RequestExpand asks the backend for new work outside the cycle cadence.
func (d *Daemon) RequestExpand(ctx context.Context, description string, details map[string]any) (lifecycle.Request, error) {
	return d.request(ctx, lifecycle.ModeExpand, description, details)
}

// RequestRepair asks the backend to fix a reported fault.
func (d *Daemon) RequestRepair(ctx context.Context, trigger string, details map[string]any) (lifecycle.Request, error) {
	return d.request(ctx, lifecycle.ModeRepair, trigger, details)
}

// RequestReflect asks the backend for a reflection on topic.
func (d *Daemon) RequestReflect(ctx context.Context, topic string, details map[string]any) (lifecycle.Request, error) {
	return d.request(ctx, lifecycle.ModeReflect, topic, details)
}

func (d *Daemon) request(ctx context.Context, mode lifecycle.Mode, reason string, details map[string]any) (lifecycle.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return lifecycle.Request{}, ErrInactive
	}
	return d.createRequest(ctx, lifecycle.Spec{Mode: mode, Reason: reason, Details: details})
}

func (d *Daemon) requestRepair(ctx context.Context, trigger string, details map[string]any) (lifecycle.Request, error) {
	if !d.active {
		return lifecycle.Request{}, ErrInactive
	}
	return d.createRequest(ctx, lifecycle.Spec{Mode: lifecycle.ModeRepair, Reason: trigger, Details: details})
}

// LiveRequests returns the in-flight requests in creation order.
func (d *Daemon) LiveRequests() []lifecycle.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests.Live()
}
