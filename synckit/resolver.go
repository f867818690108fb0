package synckit

import (
	"context"
	"errors"
	"strconv"
)

// Rule binds a matcher Spec to a ConflictHandler.
// Rules are evaluated in insertion order with first-match-wins semantics.
type Rule struct {
	Name    string
	Matcher Spec
	Handler ConflictHandler
}

// Hooks provides optional callbacks for observability around resolution.
// All hooks are optional; nil functions are safe no-ops.
type Hooks struct {
	OnRuleMatched func(input ConflictInput, rule Rule)
	OnResolved    func(input ConflictInput, out ConflictOutput)
	OnFallback    func(input ConflictInput)
	OnError       func(input ConflictInput, err error)
}

// Validator can perform configuration validation at construction time.
type Validator interface {
	Validate(options *handlerOptions) error
}

type handlerOptions struct {
	rules     []Rule
	fallback  ConflictHandler
	hooks     Hooks
	validator Validator
}

// Rules returns the rules configured so far, for validators.
func (o *handlerOptions) Rules() []Rule { return o.rules }

// HasFallback reports whether a fallback handler was configured.
func (o *handlerOptions) HasFallback() bool { return o.fallback != nil }

// Option configures a DynamicHandler.
type Option interface{ apply(*handlerOptions) }

type optionFn func(*handlerOptions)

func (f optionFn) apply(o *handlerOptions) { f(o) }

// WithFallback sets the handler used when no rule matches.
func WithFallback(h ConflictHandler) Option {
	return optionFn(func(o *handlerOptions) { o.fallback = h })
}

// WithRule appends a rule with a custom matcher and handler in insertion order.
func WithRule(name string, matcher Spec, handler ConflictHandler) Option {
	return optionFn(func(o *handlerOptions) {
		o.rules = append(o.rules, Rule{Name: name, Matcher: matcher, Handler: handler})
	})
}

// WithIDPrefixRule is a convenience helper for matching by id prefix.
func WithIDPrefixRule(name, prefix string, handler ConflictHandler) Option {
	return WithRule(name, IDPrefix(prefix), handler)
}

// WithHooks sets optional observability hooks. Zero-value safe.
func WithHooks(h Hooks) Option { return optionFn(func(o *handlerOptions) { o.hooks = h }) }

// WithValidator sets an optional validator for construction-time checks.
func WithValidator(v Validator) Option { return optionFn(func(o *handlerOptions) { o.validator = v }) }

var errNoRuleMatched = errors.New("no rule matched and no fallback configured")

// DynamicHandler dispatches conflicts to handlers based on an ordered rule
// set. If no rule matches, it uses the fallback handler.
type DynamicHandler struct {
	rules    []Rule
	fallback ConflictHandler
	hooks    Hooks
}

var _ ConflictHandler = (*DynamicHandler)(nil)

// NewDynamicHandler constructs a DynamicHandler with validation.
// At least one rule or a fallback is required and no rule may have a nil
// matcher or handler.
func NewDynamicHandler(opts ...Option) (*DynamicHandler, error) {
	cfg := &handlerOptions{}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	if len(cfg.rules) == 0 && cfg.fallback == nil {
		return nil, errors.New("dynamic handler requires at least one rule or a non-nil fallback")
	}
	for i, r := range cfg.rules {
		if r.Matcher == nil {
			return nil, errors.New("rule has nil matcher at index " + strconv.Itoa(i))
		}
		if r.Handler == nil {
			return nil, errors.New("rule has nil handler at index " + strconv.Itoa(i))
		}
	}
	if cfg.validator != nil {
		if err := cfg.validator.Validate(cfg); err != nil {
			return nil, err
		}
	}

	return &DynamicHandler{
		rules:    cfg.rules,
		fallback: cfg.fallback,
		hooks:    cfg.hooks,
	}, nil
}

// Resolve applies the first matching rule, else the fallback.
func (d *DynamicHandler) Resolve(ctx context.Context, in ConflictInput) (ConflictOutput, error) {
	handler := d.fallback
	matched := false
	for _, r := range d.rules {
		if r.Matcher(in) {
			if d.hooks.OnRuleMatched != nil {
				d.hooks.OnRuleMatched(in, r)
			}
			handler = r.Handler
			matched = true
			break
		}
	}
	if !matched {
		if handler == nil {
			if d.hooks.OnError != nil {
				d.hooks.OnError(in, errNoRuleMatched)
			}
			return ConflictOutput{}, errNoRuleMatched
		}
		if d.hooks.OnFallback != nil {
			d.hooks.OnFallback(in)
		}
	}

	out, err := handler.Resolve(ctx, in)
	if err != nil {
		if d.hooks.OnError != nil {
			d.hooks.OnError(in, err)
		}
		return ConflictOutput{}, err
	}
	if d.hooks.OnResolved != nil {
		d.hooks.OnResolved(in, out)
	}
	return out, nil
}
