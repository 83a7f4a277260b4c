// Package schedule computes cron activation times for rules.
package schedule
