// Package keel is the client-side resilience and consistency layer for
// applications that persist state in a remote versioned object store.
// The store rejects concurrent writes to the same logical object with a
// revision conflict, is reached over an unreliable network, and offers
// no server-side transactions; keel supplies the missing discipline on
// the client:
//
//   - keylock serializes operations per logical key, strict FIFO.
//   - faults classifies errors, retries transient ones with backoff,
//     and trips a circuit breaker on repeated terminal failures.
//   - recovery persists checksummed snapshots of caller state and
//     brackets mutations with rollback-on-failure and crash resume.
//   - consistency validates vector collections and derived state, and
//     runs grouped operations with all-or-nothing completion
//     bookkeeping.
//
// The Kit ties the pieces to one storage backend:
//
//	kit, err := keel.New(keel.Config{Store: "mem://"})
//	if err != nil { log.Fatal(err) }
//	defer kit.Close()
//
//	err = kit.Locker.WithLock(ctx, "conversations/c1", func(ctx context.Context) error {
//	    return kit.Handler.Handle(ctx, faults.Meta{Type: "save", Key: "conversations/c1"},
//	        func(ctx context.Context) error {
//	            return kit.Store.Save(ctx, "conversations/c1", doc)
//	        })
//	})
//
// # Storage backends
//
// Configure the storage layer via `Config.Store`:
//
//   - `mem://` – in-memory (tests and local experimentation)
//   - `s3://host:port/bucket[/prefix]` – MinIO, AWS, or other
//     S3-compatible stores (TLS on unless `?insecure=1`)
//
// All backends sit behind a retry wrapper that absorbs transient
// errors below the component layer. Conditional writes carry the
// object's ETag; a stale ETag surfaces as storage.ErrCASMismatch and
// drives the persist package's read-retry save loop.
package keel
