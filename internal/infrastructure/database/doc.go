// Package database provides the SQLite store behind the dragon-core
// journal.
//
// The journal records every issued transformation and every button edge so
// a bench session can be replayed or audited afterwards. The database is a
// single local file; there is no server to run.
//
// # Migrations
//
// Schema changes are plain SQL files named
// YYYYMMDD_HHMMSS_description.up.sql with an optional matching .down.sql.
// The migrations package embeds them and hands the filesystem to Migrate:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Each migration runs in its own transaction and is recorded in
// schema_migrations, so Migrate is idempotent.
package database
