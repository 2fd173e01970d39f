package modelrun

import "time"

// InvokeOptions collects per-invocation overrides. Fields left at their zero
// value defer to the Request and then to the runtime's defaults.
type InvokeOptions struct {
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// Option mutates InvokeOptions. Options are applied in order, so later
// options win.
type Option func(*InvokeOptions)

// ResolveOptions applies opts to a zero InvokeOptions and returns the result.
func ResolveOptions(opts ...Option) InvokeOptions {
	var o InvokeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithModel overrides the request's model for this invocation.
func WithModel(model string) Option {
	return func(o *InvokeOptions) { o.Model = model }
}

// WithSystemPrompt overrides the request's system prompt for this invocation.
func WithSystemPrompt(prompt string) Option {
	return func(o *InvokeOptions) { o.SystemPrompt = prompt }
}

// WithTimeout bounds this invocation. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(o *InvokeOptions) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// Apply folds resolved options into a request copy, leaving req untouched.
func (o InvokeOptions) Apply(req Request) Request {
	out := req.Clone()
	if o.Model != "" {
		out.Model = o.Model
	}
	if o.SystemPrompt != "" {
		out.SystemPrompt = o.SystemPrompt
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	return out
}
