// Package database provides SQLite connectivity for Gray Logic bridges.
//
// A bridge keeps a small amount of local state (the last registered-device
// list the server pushed) so it can restore transports whose registered
// devices should be connected before the server's first refresh arrives.
//
// This package manages:
//   - Database connection with WAL mode
//   - Forward-only schema migrations read from an fs.FS
//   - Transaction helper
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
package database
