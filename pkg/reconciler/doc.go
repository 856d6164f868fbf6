/*
Package reconciler runs the control loop that keeps the reverse proxy
configuration in line with the desired state held in the store.

Each tick resolves a fresh snapshot and compares it with the last applied
one. The change signal is the template modification time together with
value equality of the listener map. Without drift a tick does no transfer,
render, validation or reload.

On drift the tick proceeds strictly in order:

	Resolving
	    │ unchanged ──────────────────────────────► Idle
	    ▼ changed
	TransferringCerts ──► Rendering ──► Validating ── invalid ──► Idle
	                                        │ valid
	                                        ▼
	                                    Applying ── failed ──► Idle
	                                        │ applied
	                                        ▼
	                                  MarkingReady ──► Idle

The previously applied state only advances after a successful reload, so a
failed validation or reload is retried verbatim on the next tick. Certbot
registrations are marked ready only once a configuration exposing their
challenge route has been reloaded.

Run sleeps the poll interval between ticks and the no-services interval
after a tick that found no configuration or could not render. Unclassified
errors end Run. Sleeps go through a clock.Clock so tests drive the loop
with virtual time.
*/
package reconciler
