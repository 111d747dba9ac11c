package rotate

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"keywarden.org/internal/envelope"
	"keywarden.org/internal/obs"
	"keywarden.org/internal/vault"
)

const defaultBatchSize = 100

// ErrBackupRequired is returned when a writing run has no backup function.
var ErrBackupRequired = errors.New("rotate: backup is mandatory before writes")

// Options configure a rotation run.
type Options struct {
	// DryRun performs no backup and no writes, but still reports the records
	// a real run would update.
	DryRun bool
	// BatchSize bounds how many records are loaded per processing batch.
	BatchSize int
	// Backup is the mandatory pre-flight backup of the persistent store. It
	// runs once, before the first write. Required unless DryRun.
	Backup func(ctx context.Context) error
}

// ModelReport carries per-collection counts.
type ModelReport struct {
	Scanned  int
	Updated  int
	Verified int
	Failed   int
}

// Report aggregates the outcome of one rotation run.
type Report struct {
	Fields ModelReport
	TOTP   ModelReport
}

// Failed reports the total number of failed records across collections.
func (r Report) Failed() int { return r.Fields.Failed + r.TOTP.Failed }

// Job re-encrypts every stored secret under the new key. Records that fail
// stay behind while the rest of the batch proceeds; successfully rotated
// records are committed immediately, so an interrupted run is resumable. The
// job is an operator-invoked maintenance task and is not safe to run
// concurrently with itself or with write traffic to the same records.
type Job struct {
	store  vault.Store
	oldKey envelope.Key
	newKey envelope.Key
	opts   Options
}

// New builds a rotation job. Old and new key may be identical, in which case
// the run normalizes legacy and plaintext records to the current format.
func New(store vault.Store, oldKey, newKey envelope.Key, opts Options) *Job {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Job{store: store, oldKey: oldKey, newKey: newKey, opts: opts}
}

// Run executes the rotation over all field secrets and TOTP credentials.
func (j *Job) Run(ctx context.Context) (Report, error) {
	var report Report
	if !j.opts.DryRun {
		if j.opts.Backup == nil {
			return report, ErrBackupRequired
		}
		if err := j.opts.Backup(ctx); err != nil {
			return report, fmt.Errorf("rotate: backup failed: %w", err)
		}
	}
	if err := j.rotateFields(ctx, &report.Fields); err != nil {
		return report, err
	}
	if err := j.rotateTOTP(ctx, &report.TOTP); err != nil {
		return report, err
	}
	return report, nil
}

func (j *Job) rotateFields(ctx context.Context, rep *ModelReport) error {
	fields, err := j.store.Fields().ListAll(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(fields); start += j.opts.BatchSize {
		end := start + j.opts.BatchSize
		if end > len(fields) {
			end = len(fields)
		}
		for _, field := range fields[start:end] {
			rep.Scanned++
			plaintext, needsUpdate, ok := j.recover(field.Ciphertext, "field", field.ID)
			if !ok {
				rep.Failed++
				continue
			}
			if !needsUpdate {
				continue
			}
			rep.Updated++
			if j.opts.DryRun {
				continue
			}
			ciphertext, err := envelope.Encrypt(plaintext, j.newKey)
			if err != nil {
				rep.Updated--
				rep.Failed++
				continue
			}
			if err := j.store.Fields().UpdateValue(ctx, field.ID, ciphertext); err != nil {
				rep.Updated--
				rep.Failed++
				continue
			}
			stored, err := j.store.Fields().Find(ctx, field.ResourceID, field.Name)
			if err != nil || !j.verify(stored.Ciphertext, plaintext, "field", field.ID) {
				rep.Failed++
				continue
			}
			rep.Verified++
		}
	}
	return nil
}

func (j *Job) rotateTOTP(ctx context.Context, rep *ModelReport) error {
	creds, err := j.store.TOTP().ListAll(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(creds); start += j.opts.BatchSize {
		end := start + j.opts.BatchSize
		if end > len(creds) {
			end = len(creds)
		}
		for _, cred := range creds[start:end] {
			rep.Scanned++
			secret, secretUpdate, ok := j.recover(cred.SecretCiphertext, "totp", cred.ID)
			if !ok {
				rep.Failed++
				continue
			}
			var backup []byte
			backupUpdate := false
			if cred.BackupCiphertext != "" {
				if backup, backupUpdate, ok = j.recover(cred.BackupCiphertext, "totp", cred.ID); !ok {
					rep.Failed++
					continue
				}
			}
			if !secretUpdate && !backupUpdate {
				continue
			}
			rep.Updated++
			if j.opts.DryRun {
				continue
			}
			secretCT, err := envelope.Encrypt(secret, j.newKey)
			if err != nil {
				rep.Updated--
				rep.Failed++
				continue
			}
			backupCT := ""
			if cred.BackupCiphertext != "" {
				if backupCT, err = envelope.Encrypt(backup, j.newKey); err != nil {
					rep.Updated--
					rep.Failed++
					continue
				}
			}
			if err := j.store.TOTP().UpdateSecrets(ctx, cred.ID, secretCT, backupCT); err != nil {
				rep.Updated--
				rep.Failed++
				continue
			}
			stored, err := j.store.TOTP().Find(ctx, cred.ID)
			if err != nil || !j.verify(stored.SecretCiphertext, secret, "totp", cred.ID) {
				rep.Failed++
				continue
			}
			if stored.BackupCiphertext != "" && !j.verify(stored.BackupCiphertext, backup, "totp", cred.ID) {
				rep.Failed++
				continue
			}
			rep.Verified++
		}
	}
	return nil
}

// recover decrypts a stored value with the old key. A value that fails to
// decrypt but does not look like ciphertext is treated as already-plaintext
// legacy data; one that looks like ciphertext is genuine corruption (or a
// wrong old key) and fails the record. The returned flag reports whether the
// record needs a write: always for plaintext and legacy layouts, and for
// every decryptable record when the keys differ.
func (j *Job) recover(value, model, id string) (plaintext []byte, needsUpdate bool, ok bool) {
	plain, err := envelope.Decrypt(value, j.oldKey)
	if err == nil {
		return plain, j.oldKey != j.newKey || !envelope.IsCurrent(value), true
	}
	if envelope.IsCiphertext(value) {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "rotation record failed to decrypt",
			"model": model,
			"id":    id,
		})
		return nil, false, false
	}
	// Legacy plaintext: re-encrypt as-is.
	return []byte(value), true, true
}

// verify re-decrypts the freshly stored value with the new key and compares
// it to the original plaintext. A mismatch is a verification failure,
// distinct from an encryption failure.
func (j *Job) verify(stored string, want []byte, model, id string) bool {
	got, err := envelope.Decrypt(stored, j.newKey)
	if err != nil || !bytes.Equal(got, want) {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "rotation verification mismatch",
			"model": model,
			"id":    id,
		})
		return false
	}
	return true
}
