package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	logx "rulekeeper/pkg/logx"
)

// ManifestFile is looked up inside ExecutorOptions.ScriptsDir.
const ManifestFile = "manifest.yaml"

// Manifest maps rule names to external processes.
//
//	rules:
//	  stock/check_price:
//	    command: ./check_price.sh
//	    args: ["--fast"]
//	    env: {API_BASE: "https://example.invalid"}
//	    timeout: 30s
type Manifest struct {
	Rules map[string]ExternalRule `yaml:"rules"`
}

// ExternalRule describes one process-backed rule.
//
// The process receives the payload as JSON on stdin and RULE_NAME,
// EXECUTION_ID, CHAIN_POSITION and PREV_RESULTS (JSON) in its environment.
// It must print a JSON object honoring the handler contract on stdout.
type ExternalRule struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Dir         string            `yaml:"dir"`
	Timeout     string            `yaml:"timeout"`
	Description string            `yaml:"description"`
}

const maxStderrInError = 512

func (e *Executor) manifestPath() string {
	return filepath.Join(e.opts.ScriptsDir, ManifestFile)
}

// lookupExternal returns a cached process handler, re-reading the manifest once on a miss.
func (e *Executor) lookupExternal(name string) (Handler, bool) {
	if e.opts.ScriptsDir == "" {
		return nil, false
	}
	e.extMu.Lock()
	h, ok := e.external[name]
	e.extMu.Unlock()
	if ok {
		return h, true
	}

	if err := e.ReloadManifest(); err != nil {
		e.log.Warn("manifest reload failed", logx.String("path", e.manifestPath()), logx.Err(err))
		return nil, false
	}

	e.extMu.Lock()
	h, ok = e.external[name]
	e.extMu.Unlock()
	return h, ok
}

// ReloadManifest re-reads the manifest and replaces the external handler table.
// A missing manifest clears the table.
func (e *Executor) ReloadManifest() error {
	m, err := LoadManifest(e.manifestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.extMu.Lock()
			e.external = map[string]Handler{}
			e.extMu.Unlock()
			return nil
		}
		return err
	}

	table := make(map[string]Handler, len(m.Rules))
	for name, spec := range m.Rules {
		name = NormalizeName(name)
		if e.reg.Has(name) {
			e.log.Warn("manifest entry shadowed by registered rule", logx.String("rule", name))
			continue
		}
		h, err := e.processHandler(name, spec)
		if err != nil {
			return err
		}
		table[name] = h
	}

	e.extMu.Lock()
	e.external = table
	e.extMu.Unlock()
	e.log.Debug("manifest loaded", logx.String("path", e.manifestPath()), logx.Int("rules", len(table)))
	return nil
}

// ExternalNames lists the rule names currently loaded from the manifest.
func (e *Executor) ExternalNames() []string {
	e.extMu.Lock()
	out := make([]string, 0, len(e.external))
	for k := range e.external {
		out = append(out, k)
	}
	e.extMu.Unlock()
	sort.Strings(out)
	return out
}

// LoadManifest parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("manifest %s: %v", path, err)}
	}
	return &m, nil
}

func (e *Executor) processHandler(name string, spec ExternalRule) (Handler, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, &ConfigurationError{Rule: name, Msg: "manifest entry has no command"}
	}
	var timeout time.Duration
	if s := strings.TrimSpace(spec.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return nil, &ConfigurationError{Rule: name, Msg: fmt.Sprintf("invalid timeout %q", spec.Timeout)}
		}
		timeout = d
	}

	command := spec.Command
	if strings.ContainsRune(command, filepath.Separator) && !filepath.IsAbs(command) {
		command = filepath.Join(e.opts.ScriptsDir, command)
	}
	dir := spec.Dir
	if dir == "" {
		dir = e.opts.ScriptsDir
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.opts.ScriptsDir, dir)
	}
	args := append([]string(nil), spec.Args...)
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return func(ctx context.Context, payload map[string]any, ec *ExecutionContext) (map[string]any, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		in, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		prev, err := json.Marshal(ec.PrevResults)
		if err != nil {
			return nil, fmt.Errorf("encode prev results: %w", err)
		}

		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Dir = dir
		cmd.Env = append(cmd.Environ(), env...)
		cmd.Env = append(cmd.Env,
			"RULE_NAME="+name,
			"EXECUTION_ID="+ec.ExecutionID.String(),
			"CHAIN_POSITION="+strconv.Itoa(ec.ChainPosition),
			"PREV_RESULTS="+string(prev),
		)
		cmd.Stdin = bytes.NewReader(in)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > maxStderrInError {
				msg = msg[:maxStderrInError] + "..."
			}
			if msg != "" {
				return nil, fmt.Errorf("command failed: %w: %s", err, msg)
			}
			return nil, fmt.Errorf("command failed: %w", err)
		}

		out := map[string]any{}
		if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
			return nil, fmt.Errorf("%w: stdout is not a JSON object: %v", ErrContractViolation, err)
		}
		return out, nil
	}, nil
}
