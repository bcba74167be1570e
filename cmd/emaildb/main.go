// Command emaildb is the CLI surface for the storage core: open, scan,
// verify, compact, migrate, and dump subcommands, built the same way the
// teacher's cmd/chartly dispatches subcommands -- os.Args plus one
// flag.FlagSet per subcommand, no heavier CLI framework.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NetNinjaCorp/EmailDB-sub006/internal/engine"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/config"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/telemetry"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "open":
		err = cmdOpen(os.Args[2:])
	case "scan":
		err = cmdScan(os.Args[2:])
	case "verify":
		err = cmdVerify(os.Args[2:])
	case "compact":
		err = cmdCompact(os.Args[2:])
	case "migrate":
		err = cmdMigrate(os.Args[2:])
	case "dump":
		err = cmdDump(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "emaildb:", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(dberrors.ExitCode(err))
	}
}

func usage() {
	fmt.Println("emaildb <open|scan|verify|compact|migrate|dump> --dir <path> [flags]")
}

func newLogger(verbose bool) *telemetry.Logger {
	level := telemetry.LevelInfo
	if verbose {
		level = telemetry.LevelDebug
	}
	return telemetry.New(os.Stderr, telemetry.Options{Service: "emaildb", Level: level})
}

func openDatabase(dir string, createIfMissing bool, verbose bool) (*engine.Database, context.Context, error) {
	ctx := context.Background()
	if createIfMissing {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, dberrors.New("cmd.openDatabase", dberrors.Io, err, "create database directory")
		}
	}
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, dberrors.New("cmd.openDatabase", dberrors.Policy, err, "load config")
	}
	db, err := engine.Open(ctx, dir, createIfMissing, engine.OpenOptions{
		Config: cfg,
		Logger: newLogger(verbose),
	})
	if err != nil {
		return nil, nil, err
	}
	return db, ctx, nil
}

func cmdOpen(args []string) error {
	fs := newFlagSet("open")
	dir := fs.String("dir", "", "database directory")
	create := fs.Bool("create", false, "create the directory if it does not exist")
	verbose := fs.Bool("verbose", false, "debug-level logging")
	if err := fs.Parse(args); err != nil {
		return usageErr(err)
	}
	if *dir == "" {
		return usageErr(fmt.Errorf("--dir is required"))
	}
	db, ctx, err := openDatabase(*dir, *create, *verbose)
	if err != nil {
		return err
	}
	defer db.Close(ctx)
	fmt.Println("opened", *dir)
	return nil
}

func cmdScan(args []string) error {
	fs := newFlagSet("scan")
	dir := fs.String("dir", "", "database directory")
	if err := fs.Parse(args); err != nil {
		return usageErr(err)
	}
	if *dir == "" {
		return usageErr(fmt.Errorf("--dir is required"))
	}
	db, ctx, err := openDatabase(*dir, false, false)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	ids, err := db.Engine.Scan()
	if err != nil {
		return err
	}
	for _, id := range ids {
		b, err := db.Engine.Read(id)
		if err != nil {
			fmt.Printf("%d\t<unreadable: %v>\n", id, err)
			continue
		}
		fmt.Printf("%d\t%s\tversion=%d\tpayload_bytes=%d\n", id, b.Kind, b.Version, len(b.Payload))
	}
	return nil
}

func cmdVerify(args []string) error {
	fs := newFlagSet("verify")
	dir := fs.String("dir", "", "database directory")
	if err := fs.Parse(args); err != nil {
		return usageErr(err)
	}
	if *dir == "" {
		return usageErr(fmt.Errorf("--dir is required"))
	}
	db, ctx, err := openDatabase(*dir, false, false)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	result, err := db.Verify()
	if err != nil {
		return err
	}
	if !result.Valid {
		fmt.Printf("chain invalid at block %d: %s\n", result.BlockID, result.Reason)
		return dberrors.New("cmd.verify", dberrors.Integrity, nil, result.Reason).WithIdent(strconv.FormatInt(result.BlockID, 10))
	}
	fmt.Println("chain valid")
	return nil
}

func cmdCompact(args []string) error {
	fs := newFlagSet("compact")
	dir := fs.String("dir", "", "database directory")
	out := fs.String("out", "", "path for the compacted block file")
	if err := fs.Parse(args); err != nil {
		return usageErr(err)
	}
	if *dir == "" || *out == "" {
		return usageErr(fmt.Errorf("--dir and --out are required"))
	}
	db, ctx, err := openDatabase(*dir, false, false)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	if err := db.Compact(ctx, *out); err != nil {
		return err
	}
	fmt.Println("compacted into", *out)
	return nil
}

func cmdMigrate(args []string) error {
	fs := newFlagSet("migrate")
	dir := fs.String("dir", "", "database directory")
	fromMajor := fs.Int("from-major", int(version.Current.Major), "on-disk major version")
	fromMinor := fs.Int("from-minor", int(version.Current.Minor), "on-disk minor version")
	if err := fs.Parse(args); err != nil {
		return usageErr(err)
	}
	if *dir == "" {
		return usageErr(fmt.Errorf("--dir is required"))
	}
	db, ctx, err := openDatabase(*dir, false, false)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	from := version.Version{Major: uint8(*fromMajor), Minor: uint8(*fromMinor)}
	if err := db.Migrate(ctx, from, nil, nil); err != nil {
		return err
	}
	fmt.Println("migrated to", version.Current.String())
	return nil
}

// cmdDump writes a queryable sqlite report of every block's header
// fields, the way the teacher's control-plane aggregator exports a
// sqlite snapshot of its in-memory state for ad hoc inspection.
func cmdDump(args []string) error {
	fs := newFlagSet("dump")
	dir := fs.String("dir", "", "database directory")
	out := fs.String("out", "", "path to the sqlite report file")
	if err := fs.Parse(args); err != nil {
		return usageErr(err)
	}
	if *dir == "" || *out == "" {
		return usageErr(fmt.Errorf("--dir and --out are required"))
	}
	db, ctx, err := openDatabase(*dir, false, false)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	ids, err := db.Engine.Scan()
	if err != nil {
		return err
	}

	sqlDB, err := sql.Open("sqlite3", *out)
	if err != nil {
		return dberrors.New("cmd.dump", dberrors.Io, err, "open sqlite report file")
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(1) // sqlite best practice for simple exports

	if _, err := sqlDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS blocks (
		block_id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		version INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		payload_bytes INTEGER NOT NULL
	)`); err != nil {
		return dberrors.New("cmd.dump", dberrors.Io, err, "create blocks table")
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return dberrors.New("cmd.dump", dberrors.Io, err, "begin transaction")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO blocks (block_id, kind, version, timestamp, payload_bytes) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return dberrors.New("cmd.dump", dberrors.Io, err, "prepare insert")
	}
	for _, id := range ids {
		b, err := db.Engine.Read(id)
		if err != nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx, b.BlockID, b.Kind.String(), b.Version, b.Timestamp, len(b.Payload)); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return dberrors.New("cmd.dump", dberrors.Io, err, "insert block row")
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return dberrors.New("cmd.dump", dberrors.Io, err, "commit transaction")
	}

	fmt.Printf("dumped %d blocks into %s\n", len(ids), *out)
	return nil
}

// usageError marks a bad or missing flag so main exits with 2.
type usageError struct{ error }

func usageErr(err error) error {
	usage()
	return usageError{dberrors.New("cmd", dberrors.Policy, err, "invalid arguments")}
}

// newFlagSet returns a FlagSet that reports parse errors to the caller
// instead of calling os.Exit directly, so every subcommand funnels
// through the same exit-code mapping in main.
func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}
