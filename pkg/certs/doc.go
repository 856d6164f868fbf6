/*
Package certs loads certificate records from the store and materializes them
as PEM files the proxy can read.

Two load depths exist. Metadata (name, domains, email, modified time, validity)
is cheap and attached to listeners on every resolution. Full loads add the PEM
material and only happen when a certificate is written to disk.

# Transfer

	store /certs/<name>/data ──► tempDir/<name>.pem ──Syncer──► certsDir/<name>.pem

Transfer recreates the staging directory, stages each valid certificate once,
then mirrors the staging directory into the live one. A live file at least as
new as the record's modified timestamp is reused instead of re-reading the
store. Material without a parseable certificate is never staged.

Syncing is either native (DirSyncer) or delegated to rsync (RsyncSyncer).
Both delete files in the live directory that were not staged.
*/
package certs
