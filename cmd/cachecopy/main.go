// Command cachecopy copies atlas cache rows for one portrait fingerprint (or
// all of them) from one database into another.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/gazefield/atlascache"
)

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func main() {
	var (
		srcPath        string
		dstPath        string
		imageHash      string
		all            bool
		includeExpired bool
		onConflict     string
		dryRun         bool
		verbose        bool
	)

	flag.StringVar(&srcPath, "source", "", "Path to source SQLite DB")
	flag.StringVar(&dstPath, "dest", "", "Path to destination SQLite DB")
	flag.StringVar(&imageHash, "hash", "", "Portrait fingerprint whose atlas entries are copied")
	flag.BoolVar(&all, "all", false, "Copy every atlas entry instead of one fingerprint")
	flag.BoolVar(&includeExpired, "include-expired", false, "Also copy entries past their expiry")
	flag.StringVar(&onConflict, "on-conflict", "ignore", "Conflict behavior: ignore | abort | replace | rollback | fail")
	flag.BoolVar(&dryRun, "dry-run", false, "Show what would happen without writing")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	if srcPath == "" || dstPath == "" || (imageHash == "" && !all) {
		fmt.Fprintf(os.Stderr, "Usage: %s -source <src.db> -dest <dest.db> (-hash <fingerprint> | -all) [-on-conflict ignore|abort|replace|rollback|fail] [-include-expired] [-dry-run] [-v]\n", os.Args[0])
		os.Exit(2)
	}

	confVerb := strings.ToUpper(onConflict)
	validConf := map[string]bool{
		"IGNORE": true, "ABORT": true, "REPLACE": true, "ROLLBACK": true, "FAIL": true,
	}
	if !validConf[confVerb] {
		fatal("invalid -on-conflict value; use ignore|abort|replace|rollback|fail", "value", onConflict)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	// The destination schema is created through the store so both sides match.
	dst, err := sql.Open("sqlite", dstPath)
	if err != nil {
		fatal("open dest", "error", err)
	}
	if _, err := atlascache.NewSQLiteStore(dst); err != nil {
		fatal("prepare dest", "error", err)
	}
	dst.Close()

	// DSN notes: _pragma=busy_timeout=5000 helps with locked DBs.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=5000", srcPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		fatal("open source", "error", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		fatal("ping source", "error", err)
	}

	var cnt int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='atlas_cache'`).Scan(&cnt); err != nil {
		fatal("check table main.atlas_cache", "error", err)
	}
	if cnt == 0 {
		fatal("table main.atlas_cache not found", "source", srcPath)
	}

	if _, err := db.Exec(`ATTACH DATABASE ? AS dest`, dstPath); err != nil {
		fatal("attach dest", "error", err)
	}

	where, args := "1=1", []any{}
	if !all {
		where = "key LIKE ? ESCAPE '\\'"
		args = append(args, likePrefix("atlas:"+imageHash+":"))
	}
	if !includeExpired {
		where += " AND expires_at > ?"
		args = append(args, time.Now().Unix())
	}

	var toCopy int
	if err := db.QueryRow(`SELECT COUNT(*) FROM main.atlas_cache WHERE `+where, args...).Scan(&toCopy); err != nil {
		fatal("count rows", "error", err)
	}
	slog.Debug("rows matching in source", "hash", imageHash, "all", all, "rows", toCopy)

	if dryRun {
		fmt.Printf("Dry run: %d row(s) would be copied.\n", toCopy)
		return
	}

	tx, err := db.Begin()
	if err != nil {
		fatal("begin tx", "error", err)
	}
	insertSQL := fmt.Sprintf(`
		INSERT OR %s INTO dest.atlas_cache (key, value, created_at, expires_at)
		SELECT key, value, created_at, expires_at FROM main.atlas_cache
		WHERE %s
	`, confVerb, where)

	res, err := tx.Exec(insertSQL, args...)
	if err != nil {
		_ = tx.Rollback()
		fatal("insert", "error", err)
	}
	affected, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		fatal("commit", "error", err)
	}
	slog.Debug("copied atlas cache rows", "rows", affected, "conflict", confVerb)
	fmt.Printf("Done. Inserted %d row(s).\n", affected)
}

// likePrefix escapes LIKE wildcards in prefix and appends %.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
