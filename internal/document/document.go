// Package document reads and writes specification documents: Markdown files
// whose structured metadata sits in a YAML front-matter block above the prose.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/msageha/specsync/internal/model"
)

var (
	ErrMissingFrontMatter   = errors.New("document: missing front matter")
	ErrMalformedFrontMatter = errors.New("document: malformed front matter")
)

const fence = "---\n"

// Parse decodes content read from path. The body after the closing fence is
// kept byte-for-byte so Render can reproduce the prose unchanged.
func Parse(path string, content []byte) (*model.SpecDocument, error) {
	meta, body, err := split(content)
	if err != nil {
		return nil, err
	}
	var doc model.SpecDocument
	if err := yaml.Unmarshal(meta, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	doc.Path = path
	doc.Body = body
	for i := range doc.Tasks {
		doc.Tasks[i].SpecID = doc.ID
	}
	return &doc, nil
}

// ParseValid is Parse followed by Validate.
func ParseValid(path string, content []byte) (*model.SpecDocument, error) {
	doc, err := Parse(path, content)
	if err != nil {
		return nil, err
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// split separates the front matter from the body. Fence lines may end in
// LF or CRLF; the body is the original bytes after the closing fence.
func split(content []byte) (meta, body []byte, err error) {
	open := nextLine(content)
	if !isFence(open) || !bytes.HasSuffix(open, []byte("\n")) {
		return nil, nil, ErrMissingFrontMatter
	}
	start := len(open)
	for off := start; off < len(content); {
		line := nextLine(content[off:])
		if isFence(line) {
			return content[start:off], content[off+len(line):], nil
		}
		off += len(line)
	}
	return nil, nil, ErrMalformedFrontMatter
}

// nextLine returns b up to and including its first newline.
func nextLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i+1]
	}
	return b
}

func isFence(line []byte) bool {
	return string(bytes.TrimRight(line, "\r\n")) == "---"
}

// Render encodes doc as front matter followed by its body.
func Render(doc *model.SpecDocument) ([]byte, error) {
	if doc.ID == "" {
		return nil, fmt.Errorf("document: missing id")
	}
	var meta bytes.Buffer
	enc := yaml.NewEncoder(&meta)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("document: encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("document: encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(fence)
	buf.Write(bytes.TrimRight(meta.Bytes(), "\n"))
	buf.WriteString("\n" + fence)
	buf.Write(doc.Body)
	return buf.Bytes(), nil
}

// Load reads and validates a single document.
func Load(path string) (*model.SpecDocument, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseValid(path, content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if info, err := os.Stat(path); err == nil {
		doc.ModTime = info.ModTime()
	}
	return doc, nil
}

// LoadResult collects every document in a directory along with per-file
// failures, which never abort the scan.
type LoadResult struct {
	Docs   map[string]*model.SpecDocument
	Errors map[string]error
}

// IDs returns the loaded spec ids in sorted order.
func (r LoadResult) IDs() []string {
	ids := make([]string, 0, len(r.Docs))
	for id := range r.Docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadDir loads every *.md file directly under dir. Duplicate spec ids are
// reported as errors against the later file.
func LoadDir(dir string) (LoadResult, error) {
	res := LoadResult{
		Docs:   make(map[string]*model.SpecDocument),
		Errors: make(map[string]error),
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read docs dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		doc, err := Load(path)
		if err != nil {
			res.Errors[path] = err
			continue
		}
		if prev, dup := res.Docs[doc.ID]; dup {
			res.Errors[path] = fmt.Errorf("duplicate spec id %s (also in %s)", doc.ID, filepath.Base(prev.Path))
			continue
		}
		res.Docs[doc.ID] = doc
	}
	return res, nil
}

// PathFor returns the canonical document path for a spec id.
func PathFor(docsDir, specID string) string {
	return filepath.Join(docsDir, specID+".md")
}
