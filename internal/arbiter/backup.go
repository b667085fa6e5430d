package arbiter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/specsync/internal/fileio"
	"github.com/msageha/specsync/internal/model"
)

const manifestFile = "manifest.json"

// ErrBackupCorrupt reports backup content that no longer matches its
// manifest checksum.
var ErrBackupCorrupt = errors.New("backup corrupt")

type BackupFile struct {
	Path     string `json:"path"`
	Name     string `json:"name,omitempty"`
	Existed  bool   `json:"existed"`
	Checksum string `json:"checksum,omitempty"`
	Size     int64  `json:"size"`
}

// Manifest describes one backup snapshot directory.
type Manifest struct {
	ID         string       `json:"id"`
	ConflictID string       `json:"conflict_id"`
	Entity     string       `json:"entity"`
	CreatedAt  time.Time    `json:"created_at"`
	Files      []BackupFile `json:"files"`
}

// Backups stores pre-resolution copies of affected files under
// <dir>/<backup id>/.
type Backups struct {
	dir string
	now func() time.Time
}

func NewBackups(dir string) *Backups {
	return &Backups{dir: dir, now: time.Now}
}

func (b *Backups) Dir() string { return b.dir }

// Capture copies every path into a new backup. Paths that do not exist are
// recorded so a restore removes them again.
func (b *Backups) Capture(conflictID, entity string, paths []string) (Manifest, error) {
	m := Manifest{
		ID:         "bk_" + uuid.NewString(),
		ConflictID: conflictID,
		Entity:     entity,
		CreatedAt:  b.now().UTC(),
	}
	dir := filepath.Join(b.dir, m.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Manifest{}, model.WrapError(model.ErrKindIO, "backup", m.ID, err)
	}
	for i, path := range paths {
		content, exists, err := fileio.ReadOptional(path)
		if err != nil {
			return Manifest{}, model.WrapError(model.ErrKindIO, "backup", path, err)
		}
		f := BackupFile{Path: path, Existed: exists}
		if exists {
			f.Name = fmt.Sprintf("%02d-%s", i, filepath.Base(path))
			f.Checksum = fileio.Checksum(content)
			f.Size = int64(len(content))
			if err := fileio.AtomicWriteRaw(filepath.Join(dir, f.Name), content, nil); err != nil {
				return Manifest{}, model.WrapError(model.ErrKindIO, "backup", path, err)
			}
		}
		m.Files = append(m.Files, f)
	}
	if err := fileio.AtomicWriteJSON(filepath.Join(dir, manifestFile), m); err != nil {
		return Manifest{}, model.WrapError(model.ErrKindIO, "backup", m.ID, err)
	}
	return m, nil
}

// Load reads a backup and verifies every copied file against the manifest.
// The returned map is keyed by original path.
func (b *Backups) Load(id string) (Manifest, map[string][]byte, error) {
	var m Manifest
	dir := filepath.Join(b.dir, id)
	if err := fileio.ReadJSON(filepath.Join(dir, manifestFile), &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, nil, model.NewError(model.ErrKindNotFound, "load backup", id, "no such backup")
		}
		return Manifest{}, nil, model.WrapError(model.ErrKindParse, "load backup", id, err)
	}
	contents := make(map[string][]byte, len(m.Files))
	for _, f := range m.Files {
		if !f.Existed {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			return Manifest{}, nil, model.WrapError(model.ErrKindIO, "load backup", f.Name, err)
		}
		if fileio.Checksum(content) != f.Checksum {
			return Manifest{}, nil, model.WrapError(model.ErrKindParse, "load backup", f.Name,
				fmt.Errorf("%w: %s checksum mismatch", ErrBackupCorrupt, f.Name))
		}
		contents[f.Path] = content
	}
	return m, contents, nil
}
