// Package device provides the device registry for devgate.
//
// A device is one messaging account served by one worker process. The
// registry holds its identity (an opaque hash), its lifecycle status, the
// port of its live worker and its webhook settings.
//
// # Key Types
//
//   - Device: the persisted record
//   - Status: the closed lifecycle enum, with an explicit transition table
//   - StatusChange: what status listeners receive after a transition
//   - Store: the interface the controller, proxy and API depend on
//
// # Components
//
//   - Registry (registry.go): cached Store over a Repository
//   - SQLiteRepository (repository.go): persistence in the devices table
//   - Validation (validation.go): hash, name and webhook URL checks
//
// # Status transitions
//
//	registered   -> starting
//	starting     -> active | waiting_qr | connected
//	active       -> waiting_qr | connected | disconnected
//	waiting_qr   -> connected | disconnected
//	connected    -> disconnected | waiting_qr
//	disconnected -> active | connected | starting
//	stopped      -> starting
//	error        -> starting
//	any          -> stopped | error
//
// Same-state writes are no-ops; anything else returns ErrInvalidTransition.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	d := &device.Device{Name: "support line"}
//	if err := registry.Create(ctx, d); err != nil {
//	    return err
//	}
//	updated, from, err := registry.UpdateStatus(ctx, d.Hash, device.StatusStarting)
package device
