package pmode

import (
	"context"
	"fmt"
)

// TemplateProvider supplies a PMode template for a party pair. The profile
// registry implements it; it is an interface here to keep the dependency
// direction pointing at this package.
type TemplateProvider interface {
	// DefaultTemplate builds the default PMode of the registered default
	// profile, or returns false when no default profile is registered.
	DefaultTemplate(initiator, responder Party, address string) (*ProcessingMode, bool)
}

// ResolveRequest carries the message facts available when resolution runs.
type ResolveRequest struct {
	// PModeID is the explicit id from AgreementRef/@pmode, if any.
	PModeID string

	Service string
	Action  string

	Initiator Party
	Responder Party

	// Address is the counterparty endpoint, used only when a default PMode
	// has to be synthesized.
	Address string
}

// Resolver maps message facts to an effective processing mode.
//
// Precedence: explicit id, then exact service/action match, then the
// default profile template, then (when enabled) a synthesized global
// default stored via GetOrCreate.
type Resolver struct {
	Store     Store
	Templates TemplateProvider

	// UseDefaultFallback enables step 4. When false, resolution fails with
	// ErrNotFound instead of synthesizing a default.
	UseDefaultFallback bool
}

// Resolve returns the effective PMode for the request, or an error wrapping
// ErrNotFound when no step produces one.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*ProcessingMode, error) {
	if req.PModeID != "" {
		pm, err := r.Store.Get(ctx, req.PModeID)
		if err != nil {
			return nil, fmt.Errorf("explicit pmode id %q: %w", req.PModeID, err)
		}
		return pm, nil
	}

	if req.Service != "" || req.Action != "" {
		if pm, err := r.Store.Find(ctx, req.Service, req.Action); err == nil {
			return pm, nil
		}
	}

	if r.Templates != nil {
		if tmpl, ok := r.Templates.DefaultTemplate(req.Initiator, req.Responder, req.Address); ok {
			return r.Store.GetOrCreate(ctx, tmpl.ID, func() *ProcessingMode { return tmpl })
		}
	}

	if r.UseDefaultFallback {
		id := defaultPModeID(req.Initiator, req.Responder)
		return r.Store.GetOrCreate(ctx, id, func() *ProcessingMode {
			return DefaultProcessingMode(req.Initiator, req.Responder, req.Address)
		})
	}

	return nil, fmt.Errorf("%w: no match for service=%q action=%q", ErrNotFound, req.Service, req.Action)
}
