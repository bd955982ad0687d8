/*
Package api is the HTTP and channel surface of the service.

All routes hang off /api/v1: health, breaker status, the environment
listing, session CRUD, the channel upgrade, and an admin subtree gated
by a shared header. Prometheus metrics and the readiness/liveness probes
live outside the versioned base path.

Every error is rendered as {error, message, retryAfter?} with the
taxonomy code as the error field, mapped onto a stable HTTP status.
Admission rejections carry a Retry-After header.

The channel endpoint checks its preconditions (session exists and is
attachable, channel limit) before upgrading so failures still carry
HTTP status codes; anything after the upgrade travels as a control
frame. Upgraded channels are kept alive with periodic pings and dropped
on a missed pong deadline.
*/
package api
