package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "rulekeeper/pkg/logx"
)

// Spec is the stored form of a callback: {"type": "...", "config": {...}}.
type Spec struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ParseSpec decodes a stored callback. Empty input and JSON null give nil.
func ParseSpec(raw []byte) (*Spec, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	var sp Spec
	if err := json.Unmarshal([]byte(s), &sp); err != nil {
		return nil, fmt.Errorf("callback spec: %w", err)
	}
	return &sp, nil
}

// Builder turns a config object into a Handler. f is passed so composite
// types can build their children.
type Builder func(f *Factory, cfg map[string]any) (Handler, error)

// errSkip marks a config that produced nothing to run (e.g. an empty chain).
var errSkip = errors.New("nothing to run")

// Factory builds handlers from Specs.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
	notifier Notifier
	log      logx.Logger
}

// NewFactory knows the log, notify, telegram and chain types.
func NewFactory(n Notifier, log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Factory{builders: map[string]Builder{}, notifier: n, log: log}
	f.builders["log"] = buildLog
	f.builders["notify"] = buildNotify
	f.builders["telegram"] = buildTelegram
	f.builders["chain"] = buildChain
	return f
}

// RegisterType adds a callback type. Built-in and already registered names are rejected.
func (f *Factory) RegisterType(name string, b Builder) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errors.New("callback: type name is empty")
	}
	if b == nil {
		return fmt.Errorf("callback: builder for %q is nil", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.builders[name]; ok {
		return fmt.Errorf("callback: type %q already registered", name)
	}
	f.builders[name] = b
	return nil
}

// Types lists known callback type names.
func (f *Factory) Types() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.builders))
	for k := range f.builders {
		out = append(out, k)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Build returns the handler for s, or nil when s is nil or invalid. Invalid
// configs are logged at warn level.
func (f *Factory) Build(s *Spec) Handler {
	if s == nil {
		return nil
	}
	h, err := f.build(s)
	if err != nil {
		if !errors.Is(err, errSkip) {
			f.log.Warn("invalid callback config", logx.String("type", s.Type), logx.Err(err))
		}
		return nil
	}
	return h
}

func (f *Factory) build(s *Spec) (Handler, error) {
	typ := strings.ToLower(strings.TrimSpace(s.Type))
	f.mu.RLock()
	b := f.builders[typ]
	f.mu.RUnlock()
	if b == nil {
		return nil, fmt.Errorf("unknown callback type %q", s.Type)
	}
	cfg := s.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	return b(f, cfg)
}

func buildLog(f *Factory, cfg map[string]any) (Handler, error) {
	level := stringField(cfg, "level")
	if level != "" && !logx.ValidLevel(level) {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return NewLogHandler(level, f.log), nil
}

func buildNotify(f *Factory, cfg map[string]any) (Handler, error) {
	recipient := stringField(cfg, "recipient")
	if recipient == "" {
		return nil, errors.New("notify callback missing recipient")
	}
	return NewNotifyHandler(f.notifier, stringField(cfg, "channel"), recipient, stringField(cfg, "template"), f.log)
}

func buildTelegram(f *Factory, cfg map[string]any) (Handler, error) {
	chatID := stringField(cfg, "chat_id")
	if chatID == "" {
		return nil, errors.New("telegram callback missing chat_id")
	}
	return NewNotifyHandler(f.notifier, "telegram", chatID, stringField(cfg, "template"), f.log)
}

func buildChain(f *Factory, cfg map[string]any) (Handler, error) {
	var raw []any
	switch v := cfg["handlers"].(type) {
	case []any:
		raw = v
	case []map[string]any:
		for _, m := range v {
			raw = append(raw, m)
		}
	}
	var children []Handler
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			f.log.Warn("invalid chained callback", logx.Int("index", i))
			continue
		}
		sp := &Spec{Type: stringField(obj, "type")}
		if c, ok := obj["config"].(map[string]any); ok {
			sp.Config = c
		}
		if h := f.Build(sp); h != nil {
			children = append(children, h)
		}
	}
	if len(children) == 0 {
		return nil, errSkip
	}
	return NewChainHandler(f.log, children...), nil
}

// stringField reads a string-ish value; numbers are accepted so chat ids may be
// written unquoted.
func stringField(cfg map[string]any, key string) string {
	switch v := cfg[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", v))
	case json.Number:
		return v.String()
	case int:
		return fmt.Sprint(v)
	case int64:
		return fmt.Sprint(v)
	default:
		return ""
	}
}
