// Package notify delivers rule notifications to chat channels.
//
// A Dispatcher owns named Senders (telegram, slack, log) and applies a shared
// rate limit plus jittered exponential retry to every delivery.
package notify
