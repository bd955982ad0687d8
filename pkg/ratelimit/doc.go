/*
Package ratelimit enforces per-client fairness limits.

Four dimensions are tracked per client id: concurrent sessions, session
creations in a sliding one-hour window, inbound channel messages in a
sliding one-minute window, and concurrent live channels. Windows only
move forward; on read, a stale window resets its counter and advances.

All operations on one client are serialized; admit/release pairs keep
the concurrency sets truthful, and release is idempotent so terminal
transitions can always call it. Development mode bypasses admission but
keeps counting for visibility.
*/
package ratelimit
