/*
Package storage provides the hierarchical key-value client nexus-proxy reads
desired state from and coordinates certificate issuance through.

The store is the only channel between the long-running reconciler and the
short-lived issuance command, so the package keeps a deliberately small
surface: get, set, delete (optionally recursive), prefix list and watch.

# Backends

	┌──────────────────── STORE BACKENDS ──────────────────────┐
	│                                                            │
	│  Open(addr)                                                │
	│     ├── host[:port], etcd://…  → EtcdStore  (clientv3)     │
	│     ├── redis://…, rediss://…  → RedisStore (go-redis)     │
	│     └── bolt:///path           → BoltStore  (bbolt)        │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

etcd is the production backend: watches are delivered across processes. The
BoltDB backend keeps everything in one local file and only notifies watchers
inside the same process. Redis relies on keyspace notifications.

# Errors

Every backend reports exactly two failure classes:

  - ErrKeyNotFound: the store answered and the key is absent. Resolution treats
    this as "empty, but connected".
  - ErrConnectionFailed: anything transport related. Callers retry a bounded
    number of times.

# Directories

Keys are slash separated paths. Children lists the names directly below a
directory, sorted, which makes enumeration deterministic regardless of the
backend's native ordering.

# Waiting

WaitForValue is the rendezvous primitive of the certbot protocol: it returns
true as soon as a key holds an expected value, false when the deadline passes,
and never delivers partial results. The deadline runs on the given clock, so
tests can drive it with virtual time.

	ok, err := storage.WaitForValue(ctx, clock.Real{}, store,
		storage.CertbotKey("vhost", "web", "ready"), "true", 3*time.Minute)
*/
package storage
