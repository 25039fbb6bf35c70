package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

// Archiver exports entries to cold storage before retention deletes them.
type Archiver interface {
	Archive(ctx context.Context, entries []Entry) error
}

// GCSArchiver writes entry batches to a Google Cloud Storage bucket as JSON
// objects named by archival time and batch ID.
type GCSArchiver struct {
	Client *storage.Client
	Bucket string
	Prefix string
}

// Archive uploads one batch of expired entries.
func (a GCSArchiver) Archive(ctx context.Context, entries []Entry) error {
	if a.Client == nil {
		return errors.New("vault: gcs client not configured")
	}
	if a.Bucket == "" {
		return errors.New("vault: gcs bucket not configured")
	}
	if len(entries) == 0 {
		return nil
	}

	objectName := a.objectName(time.Now().UTC())
	wc := a.Client.Bucket(a.Bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = "application/json"

	if err := json.NewEncoder(wc).Encode(entries); err != nil {
		_ = wc.Close()
		return fmt.Errorf("vault: upload archive %s: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("vault: close archive writer %s: %w", objectName, err)
	}
	return nil
}

func (a GCSArchiver) objectName(now time.Time) string {
	prefix := a.Prefix
	if prefix == "" {
		prefix = "vault-archive"
	}
	return fmt.Sprintf("%s/%s/batch-%s.json", prefix, now.Format("2006/01/02"), uuid.NewString())
}

// DirArchiver writes entry batches to a local directory. Used in development
// and tests where no bucket is available.
type DirArchiver struct {
	Dir string
}

// Archive writes one batch of expired entries as a JSON file.
func (a DirArchiver) Archive(ctx context.Context, entries []Entry) error {
	if a.Dir == "" {
		return errors.New("vault: archive directory not configured")
	}
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("batch-%s-%s.json", time.Now().UTC().Format("20060102T150405"), uuid.NewString())
	return os.WriteFile(filepath.Join(a.Dir, name), data, 0o600)
}
