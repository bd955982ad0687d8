/*
Package types defines Burrow's shared data model and error taxonomy.

It is intentionally dependency-free so every other package can import it:
sessions, environments, container views, rate-limit tracking, breaker
snapshots, and the stable error codes rendered on the API surface.

# Error discipline

Cross-package errors are *types.Error values (or wrap one). The Code
travels to clients verbatim; messages are human-readable and sanitized at
the API boundary. Components classify errors at the point where the
failure is understood:

	if errdefs.IsNotFound(err) {
		return types.NotFoundf("container %s not found", id)
	}
	return types.Wrap(types.CodeDaemonUnavailable, err, "inspect container")

Callers branch on codes, never on message text:

	if types.IsNotFound(err) { ... }
	switch types.CodeOf(err) { ... }
*/
package types
