// Package database provides SQLite connectivity for homegate.
//
// This package manages:
//   - Database connection with WAL mode and a busy timeout
//   - Versioned schema migrations read from an fs.FS
//   - Transaction helpers
//
// The schema itself lives in the top-level migrations package, which embeds
// the SQL files into the binary.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: "./data/homegate.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
