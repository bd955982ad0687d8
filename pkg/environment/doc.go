/*
Package environment provides the registry of sandbox environments.

An environment binds a name ("bash", "python", ...) to a container image,
a default idle budget, and the init commands run silently on first
attach. The registry is seeded at process start from the built-in set
plus an optional directory of YAML plugin files, and is immutable
afterwards.

ValidateAll runs during startup and fails closed when any registered
image is absent from the runtime daemon, so a session request never races
an image pull.
*/
package environment
