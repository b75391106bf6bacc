// Package dedupe keeps a bounded, time-limited set of seen keys so a command
// redelivered within the retention window runs at most once.
package dedupe
