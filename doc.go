// Package profiled keeps per-key record ownership straight across a fleet of
// processes sharing one eventually-available store. Each record carries an
// opaque JSON payload plus lock metadata; a process claims a key, works
// against the in-memory copy, and a background scheduler trickles saves back
// out while refreshing the lease. Crashed holders never strand a key: their
// lease stops refreshing and other processes adopt it after a configurable
// window.
//
// # Opening a service
//
// One Service per process is the intended shape. It owns the session
// identity, the per-key write queue and the auto-save rotation.
//
//	svc, err := profiled.Open(ctx, profiled.Config{
//	    Store: "s3://minio.internal:9000/records?insecure=1",
//	})
//	if err != nil { log.Fatal(err) }
//	defer svc.Close(context.Background())
//
//	players, err := svc.Store(profiled.StoreConfig{
//	    Name:     "players",
//	    Template: map[string]any{"coins": 0, "inventory": map[string]any{}},
//	})
//	if err != nil { log.Fatal(err) }
//
// # Claiming and updating
//
// Claim takes the exclusive lease on a key and returns the loaded profile.
// Updates mutate the in-memory payload; the scheduler persists it roughly
// every AutoSaveInterval, and Release writes it one final time while clearing
// the lease.
//
//	profile, err := players.Claim(ctx, "player-4821")
//	if err != nil {
//	    if profiled.IsCode(err, profiled.SessionLocked) {
//	        // Another live process holds the key.
//	    }
//	    return err
//	}
//	defer profile.Release(context.Background())
//
//	profile.Update(func(data map[string]any) {
//	    data["coins"] = data["coins"].(float64) + 25
//	})
//
// A claim against a key whose holder crashed succeeds once the stale lease
// ages past DeadLockAssumedAfter. ForceLoad goes further: it records a
// takeover request in the record, waits for the holder's next save to yield,
// and overrides outright after ForceLoadMaxSteps attempts. Holders learn they
// lost a lease through OnReleased listeners and from the LeaseStolen failure
// code on explicit saves.
//
// # Store URLs
//
// Configure the storage layer via Config.StoreURL:
//
//   - `mem://` – in-memory (tests and local experimentation)
//   - `disk:///var/lib/profiled-data` – local directory, one file per record
//   - `s3://host:port/bucket[/prefix]` – MinIO or other S3-compatible stores
//     (TLS on unless `?insecure=1`)
//   - `azure://account/container[/prefix]` – Azure Blob Storage (Shared Key
//     or SAS auth)
//
// Record blobs are sealed at rest when Config.KeyFile points at a key file
// minted with 'profiled keygen'.
//
// # Health
//
// Remote-store failures are retried and reported, never raised out of the
// scheduler. Subscribe to IssueSignal, CorruptionSignal and CriticalSignal or
// poll InCriticalState to drive banners and alerts; operations keep running
// either way.
package profiled
