// Package logx configures rulekeeper's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output readable
// (short timestamp + short caller) and file output JSON-structured. The Service
// can be re-applied at runtime when the config file changes.
package logx
