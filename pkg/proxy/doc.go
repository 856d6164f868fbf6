// Package proxy drives the external reverse proxy process: it validates a
// staged configuration with the configured command, installs it over the
// live configuration with an atomic rename and triggers a reload.
//
// Commands are shell-style strings. A validate command may contain the
// {config} placeholder; otherwise the staged path is appended. A non-zero
// exit surfaces as a *command.Error carrying the exit code.
package proxy
