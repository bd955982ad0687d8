/*
Package session owns the authoritative session map and every lifecycle
transition.

Create runs the full admission pipeline in order: environment
resolution, per-client rate limiting, the global circuit breaker, then
container provisioning. A failure at any later step releases the
admission slot taken at an earlier one, so denied or failed creations
never leak capacity.

Attach installs the one live channel a session may have, spawns the PTY
and bridge, and runs pending init commands behind the silent gate. A
channel disconnect is not fatal: the session drops back to Ready and can
be re-attached until its idle budget runs out. Destroy is the single
teardown path (channel, container, admission slot) and is safe to invoke
from the API, the cleanup scheduler, and the reaper concurrently.

The cleanup scheduler enforces the idle policy: unattached Ready
sessions past the attach grace, Active sessions past their timeout, and
sessions whose container has died are all destroyed on the next pass.
*/
package session
