package rules

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Handler implements the work of one rule.
//
// The returned mapping must carry a bool "success"; "message" (string) is lifted
// into the result and every other key becomes result data. Handlers should
// honor ctx cancellation.
type Handler func(ctx context.Context, payload map[string]any, ec *ExecutionContext) (map[string]any, error)

// Definition is an immutable registry entry.
type Definition struct {
	Name        string
	Handler     Handler `json:"-"`
	Description string
	Tags        []string
	ChainNext   string
	// Registrant is the qualified Go function name of the handler.
	Registrant string
}

// Option customizes a Definition at registration time.
type Option func(*Definition)

func WithDescription(s string) Option { return func(d *Definition) { d.Description = s } }

func WithTags(tags ...string) Option {
	return func(d *Definition) { d.Tags = append([]string(nil), tags...) }
}

// WithChainNext names the rule that conventionally follows this one in a chain.
func WithChainNext(name string) Option { return func(d *Definition) { d.ChainNext = name } }

// Registry maps rule names to handlers. It is populated at bootstrap and read afterwards.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

// Register adds a handler under name. An empty name is derived from the
// handler's function name.
func (r *Registry) Register(name string, h Handler, opts ...Option) error {
	if h == nil {
		return &ConfigurationError{Rule: name, Msg: "handler must be a non-nil asynchronous func(ctx, payload, *ExecutionContext) returning a result mapping"}
	}
	registrant := funcName(h)
	name = strings.TrimSpace(name)
	if name == "" {
		name = shortFuncName(registrant)
	}
	if name == "" {
		return &ConfigurationError{Msg: "rule name required"}
	}

	d := Definition{Name: name, Handler: h, Registrant: registrant}
	for _, o := range opts {
		if o != nil {
			o(&d)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.defs[name]; ok {
		return &ConfigurationError{Rule: name, Msg: fmt.Sprintf("already registered by %s", prev.Registrant)}
	}
	r.defs[name] = d
	return nil
}

// MustRegister is Register for bootstrap code; it panics on error.
func (r *Registry) MustRegister(name string, h Handler, opts ...Option) {
	if err := r.Register(name, h, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	d, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.Handler, true
}

func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Definition(name)
	return ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChainFrom follows ChainNext links starting at name. It stops at the first
// unknown rule or when a name repeats.
func (r *Registry) ChainFrom(name string) []string {
	seen := map[string]bool{}
	var out []string
	for name != "" && !seen[name] {
		d, ok := r.Definition(name)
		if !ok {
			break
		}
		seen[name] = true
		out = append(out, name)
		name = d.ChainNext
	}
	return out
}

func funcName(h Handler) string {
	f := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
	if f == nil {
		return "<unknown>"
	}
	return f.Name()
}

// shortFuncName turns "rulekeeper/internal/rules/builtin.helloWorld" into "helloWorld".
// Closures ("pkg.New.func1") have no usable name.
func shortFuncName(qualified string) string {
	s := qualified
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "."); i >= 0 {
		s = s[i+1:]
	}
	if strings.Contains(s, ".func") || strings.ContainsAny(s, "()*") {
		return ""
	}
	return s
}
