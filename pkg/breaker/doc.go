/*
Package breaker guards session creation against fleet overload.

A single global circuit samples running-container count and host memory
usage on a fixed interval. Crossing either threshold opens the circuit:
creations fail fast with a retryable error while existing sessions keep
running. After the cooldown the circuit goes half-open and admits one
probe creation; a clean probe closes it, a failed probe re-opens it and
restarts the cooldown.

A sampling failure keeps the previous snapshot and state. The breaker
only ever opens on observed load, not on observation errors.
*/
package breaker
