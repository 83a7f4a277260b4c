// Package rules holds the rule handler registry and the executor that runs
// rules by name.
//
// Handlers are registered explicitly at bootstrap (see rules/builtin). Rules
// that live outside the binary are described in a manifest inside the scripts
// directory and run as child processes speaking JSON on stdin/stdout.
package rules
