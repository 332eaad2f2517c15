// Package database provides the SQLite connection used by the device
// registry, together with a small file-based migration runner.
//
// The connection is opened with WAL mode and a busy timeout, and the pool is
// limited to a single connection so SQLite sees one writer.
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a default.
package database
