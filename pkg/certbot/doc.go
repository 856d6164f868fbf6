// Package certbot coordinates ACME certificate issuance with the
// reconciler through registrations in the store.
//
// A renewal registers an enabled, not ready entry under
// /alb/<alb>/certbot/<group>, waits a bounded time for the reconciler to
// serve the challenge route and mark the entry ready, then records the
// certificate and runs an Issuer. The entry is always removed at the end,
// whether issuance succeeded, failed or timed out.
package certbot
