// Package callback runs post-execution hooks configured on a rule.
//
// Handlers are built from a JSON tree of {"type": ..., "config": {...}} by a
// Factory. Invalid configuration yields no handler and a warning, never an
// error: a broken callback must not keep a rule from running.
package callback
