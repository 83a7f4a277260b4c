// Package scheduler runs due rules.
//
// TickUseCase is one scheduling pass: it lists due rules inside a single
// storage transaction, executes each rule, records the outcome, fires the
// rule's callbacks and advances its next run time. Trigger drives ticks from a
// cron spec; the HTTP API and the CLI call TickUseCase directly.
package scheduler
