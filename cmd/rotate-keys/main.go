// rotate-keys re-encrypts every stored secret under a new master key.
//
// The old key comes from WARDEN_MASTER_KEY, the new one from
// WARDEN_NEW_MASTER_KEY (or WARDEN_MASTER_KEY again for a normalization-only
// run). A pg_dump backup is taken before any write; -dry-run skips both the
// backup and the writes and only reports what would change.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"keywarden.org/internal/envelope"
	"keywarden.org/internal/rotate"
	"keywarden.org/internal/vault/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("WARDEN_PG_DSN"), "PostgreSQL DSN")
		dryRun    = flag.Bool("dry-run", false, "report without backing up or writing")
		batchSize = flag.Int("batch", 100, "records per processing batch")
		backupDir = flag.String("backup-dir", "backups", "directory for the pre-rotation pg_dump")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or WARDEN_PG_DSN")
	}
	oldKey, err := envelope.KeyFromHex(os.Getenv("WARDEN_MASTER_KEY"))
	if err != nil {
		log.Fatalf("WARDEN_MASTER_KEY: %v", err)
	}
	newHex := os.Getenv("WARDEN_NEW_MASTER_KEY")
	if newHex == "" {
		newHex = os.Getenv("WARDEN_MASTER_KEY")
	}
	newKey, err := envelope.KeyFromHex(newHex)
	if err != nil {
		log.Fatalf("WARDEN_NEW_MASTER_KEY: %v", err)
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	job := rotate.New(store, oldKey, newKey, rotate.Options{
		DryRun:    *dryRun,
		BatchSize: *batchSize,
		Backup:    backupFunc(*backupDir, *dsn),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	report, err := job.Run(ctx)
	if err != nil {
		log.Fatalf("rotate: %v", err)
	}

	printModel("fields", report.Fields, *dryRun)
	printModel("totp", report.TOTP, *dryRun)

	if report.Failed() > 0 {
		log.Fatalf("rotate: %d records failed, old key must be kept", report.Failed())
	}
	if *dryRun {
		fmt.Println("dry run complete, no changes written")
	} else {
		fmt.Println("rotation complete")
	}
}

func printModel(name string, rep rotate.ModelReport, dryRun bool) {
	verb := "updated"
	if dryRun {
		verb = "would update"
	}
	fmt.Printf("%s: scanned=%d %s=%d verified=%d failed=%d\n",
		name, rep.Scanned, verb, rep.Updated, rep.Verified, rep.Failed)
}

// backupFunc shells out to pg_dump; the rotation job refuses to write without
// a successful backup.
func backupFunc(dir, dsn string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("warden-%s.sql", time.Now().UTC().Format("20060102-150405")))
		out, err := os.Create(path)
		if err != nil {
			return err
		}
		defer out.Close()

		cmd := exec.CommandContext(ctx, "pg_dump", "--no-owner", dsn)
		cmd.Stdout = out
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("pg_dump: %w", err)
		}
		log.Printf("backup written to %s", path)
		return nil
	}
}
