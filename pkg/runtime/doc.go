/*
Package runtime wraps the Docker Engine API for Burrow's sandbox
container lifecycle.

The Manager is the single collaborator with the runtime daemon. It
creates hardened containers, starts and stops them with a bounded grace
period, removes them idempotently, and serves derived views (inspect,
list, one-shot stats, tail-N logs). Every container it creates carries
the service label plus session/environment labels, and every listing is
restricted to that label, so the manager can never touch containers it
does not own.

# Hardening

Applied to every create, image-independent, never relaxed:

  - no network namespace (NetworkMode none)
  - read-only root filesystem with a small writable tmpfs working dir
  - non-root user, all capabilities dropped, no-new-privileges
  - memory, CPU and PID quotas
  - runsc runtime class when enabled on the host

The container's root process is a plain sleep; interactive shells are
spawned per attach as exec tasks with a TTY (see AttachPTY), so a dead
channel never takes the container down with it.

# Error taxonomy

Daemon errors are classified at this boundary: NotFound for missing
containers (Remove swallows it for idempotence), DaemonUnavailable for
connectivity, InvalidRequest for bad specs, ContainerFailed for
create/start failures, OperationFailed for the rest. Stats and logs are
non-essential reads; callers treat their failures as degraded, not
fatal.
*/
package runtime
