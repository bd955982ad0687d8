/*
Package config loads and validates Burrow's service configuration.

Configuration comes from environment variables layered over built-in
defaults; the serve command applies flag overrides on top. Validate
failures abort startup with exit code 2.
*/
package config
