// Package archive persists raw fetched payloads before any validation runs,
// so every payload is replayable even when downstream logic changes.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Archiver writes payload blobs into a content-addressed directory tree:
// <dir>/<source domain>/<yyyy-mm-dd>/<raw hash>.json.
type Archiver struct {
	dir string
}

// New creates an Archiver rooted at dir.
func New(dir string) *Archiver {
	return &Archiver{dir: dir}
}

// HashPayload returns the hex sha256 of the raw payload bytes.
func HashPayload(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

// PersistRaw writes the payload and returns its archive pointer. Writing is
// fail-open for replays: an already-archived payload (same hash, same day)
// is not rewritten.
func (a *Archiver) PersistRaw(payload []byte, sourceDomain string, fetchedAt time.Time) (string, error) {
	rawHash := HashPayload(payload)
	dir := filepath.Join(a.dir, sourceDomain, fetchedAt.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "archive: create dir %s", dir)
	}

	path := filepath.Join(dir, rawHash+".json")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", eris.Wrapf(err, "archive: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", eris.Wrapf(err, "archive: rename %s", path)
	}

	zap.L().Debug("archived raw payload",
		zap.String("source", sourceDomain),
		zap.String("path", path),
		zap.Int("bytes", len(payload)),
	)
	return path, nil
}
