// Package vault writes stage outputs as Markdown notes with YAML front-matter.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is one note to persist.
type Document struct {
	ProjectID   string
	Kind        string
	Title       string
	FrontMatter map[string]interface{}
	Body        string
}

// Vault is a directory tree of notes laid out as <root>/<project>/<kind>/<slug>.md.
type Vault struct {
	root string
	now  func() time.Time
}

func New(root string) (*Vault, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("vault root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	return &Vault{root: root, now: time.Now}, nil
}

// Root returns the vault directory.
func (v *Vault) Root() string { return v.root }

// Save writes doc and returns the file path. A note with the same title is replaced.
func (v *Vault) Save(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if doc.Kind == "" || doc.Title == "" {
		return "", fmt.Errorf("document kind and title are required")
	}
	dir := filepath.Join(v.root, slug(doc.ProjectID, "default"), slug(doc.Kind, "notes"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	content, err := render(doc, v.now().UTC())
	if err != nil {
		return "", err
	}
	path := notePath(dir, doc.Title)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func render(doc Document, now time.Time) ([]byte, error) {
	fm := map[string]interface{}{
		"title":   doc.Title,
		"kind":    doc.Kind,
		"project": doc.ProjectID,
		"created": now.Format(time.RFC3339),
	}
	for k, val := range doc.FrontMatter {
		fm[k] = val
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode front-matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n# ")
	buf.WriteString(doc.Title)
	buf.WriteString("\n\n")
	buf.WriteString(strings.TrimSpace(doc.Body))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s, fallback string) string {
	out := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(out) > 80 {
		out = strings.TrimRight(out[:80], "-")
	}
	if out == "" {
		return fallback
	}
	return out
}

// notePath names the note after its title slug. Titles without a usable slug,
// or whose slug is held by a note with a different title, get a title hash suffix.
func notePath(dir, title string) string {
	sum := sha256.Sum256([]byte(title))
	hash := hex.EncodeToString(sum[:4])
	name := slug(title, "")
	if name == "" {
		return filepath.Join(dir, "untitled-"+hash+".md")
	}
	path := filepath.Join(dir, name+".md")
	if fm, err := ReadFrontMatter(path); err == nil && fmt.Sprint(fm["title"]) != title {
		return filepath.Join(dir, name+"-"+hash+".md")
	}
	return path
}

// ReadFrontMatter parses the YAML header of a note written by Save.
func ReadFrontMatter(path string) (map[string]interface{}, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(string(b), "---\n", 3)
	if len(parts) < 3 || parts[0] != "" {
		return nil, fmt.Errorf("%s has no front-matter", path)
	}
	fm := map[string]interface{}{}
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return nil, err
	}
	return fm, nil
}

type discard struct{}

func (discard) Save(context.Context, Document) (string, error) { return "", nil }

// Discard accepts every document without writing it. Used when the vault is disabled.
var Discard interface {
	Save(context.Context, Document) (string, error)
} = discard{}
