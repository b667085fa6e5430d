package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/specsync/internal/fileio"
)

const (
	// DefaultMaxLogSize is the size at which the audit log rotates (100MB).
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// Audit entry kinds.
const (
	AuditTransaction = "transaction"
	AuditResolution  = "resolution"
	AuditRollback    = "rollback"
	AuditEvent       = "event"
)

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Kind       string            `json:"kind"`
	ID         string            `json:"id,omitempty"`
	Entity     string            `json:"entity,omitempty"`
	Fields     []string          `json:"fields,omitempty"`
	Files      []string          `json:"files,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Checksum   string            `json:"checksum,omitempty"`
}

// AuditLogger appends entries to a JSONL file, rotating it into an archive
// directory once it would exceed maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &AuditLogger{logPath: logPath, maxSize: maxSize, enableChecksum: true}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Append writes entry, stamping its time and checksum, and syncs the file.
func (l *AuditLogger) Append(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("audit log closed")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Checksum = ""
	if l.enableChecksum {
		entry.Checksum = checksum(entry)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	l.rotationCounter++
	stem := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	name := fmt.Sprintf("%s.%s.%d%s", stem, time.Now().Format("20060102_150405"), l.rotationCounter, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, name)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.open()
}

func checksum(entry AuditEntry) string {
	entry.Checksum = ""
	data, err := json.Marshal(entry)
	if err != nil {
		return ""
	}
	return fileio.Checksum(data)
}

func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

func (l *AuditLogger) Path() string { return l.logPath }

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// ReadAudit returns every well-formed entry in the log at path.
func ReadAudit(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// VerifyLogIntegrity returns the number of entries and how many of them
// carry a valid checksum or none at all.
func VerifyLogIntegrity(path string) (total, valid int, err error) {
	entries, err := ReadAudit(path)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		total++
		if e.Checksum == "" || e.Checksum == checksum(e) {
			valid++
		}
	}
	return total, valid, nil
}

// AuditSubscriber records every routed event in the audit log.
func AuditSubscriber(l *AuditLogger) Subscriber {
	return Func("audit", func(_ context.Context, ev Event) error {
		entry := AuditEntry{
			Timestamp: ev.Timestamp,
			Kind:      AuditEvent,
			ID:        ev.ID,
			Outcome:   string(ev.Category),
			Reasoning: ev.Summary,
			Details:   map[string]string{"priority": ev.Priority.String(), "source": ev.Source},
		}
		if ev.Verdict != nil {
			entry.Entity = ev.Verdict.Entity.String()
			entry.Fields = ev.Verdict.Fields()
			entry.Files = ev.Verdict.Files
		}
		if ev.Classification != nil {
			entry.Entity = strings.Join(ev.Classification.SpecIDs, ",")
			entry.Files = []string{ev.Classification.Event.Path}
			for _, ch := range ev.Classification.Changes {
				entry.Fields = append(entry.Fields, ch.Field)
			}
		}
		return l.Append(entry)
	})
}
