package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/quintadata/transfergov/pkg/entity"
)

// KindLink marks the apoiadores_emendas relationship file. It is not an
// entity of its own: one link file contributes supporters, amendments and
// junction rows.
const KindLink = entity.Kind("link")

// datedDir matches the portal's download layout, one directory per
// extraction date.
var datedDir = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// readableExtensions the tabular reader understands.
var readableExtensions = map[string]bool{
	".csv": true, ".txt": true, ".tsv": true, ".xlsx": true,
}

// SourceFile is one input file with its inferred entity kind.
type SourceFile struct {
	Path string
	Kind entity.Kind
}

// ScanInput selects the newest dated subdirectory of root (falling back
// to root itself), lists its readable files and infers each file's kind
// from the name. The second return is the extraction date: the dated
// directory's date, or today when reading the root directly.
func ScanInput(root string, now time.Time) ([]SourceFile, time.Time, error) {
	dir, date, err := selectDir(root, now)
	if err != nil {
		return nil, time.Time{}, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("pipeline: read input dir %s: %w", dir, err)
	}

	var files []SourceFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !readableExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		kind, ok := inferKind(name)
		if !ok {
			continue
		}
		files = append(files, SourceFile{Path: filepath.Join(dir, name), Kind: kind})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, date, nil
}

// selectDir picks the newest YYYY-MM-DD subdirectory, else root.
func selectDir(root string, now time.Time) (string, time.Time, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("pipeline: read input dir %s: %w", root, err)
	}
	var newest string
	for _, e := range entries {
		if e.IsDir() && datedDir.MatchString(e.Name()) && e.Name() > newest {
			newest = e.Name()
		}
	}
	if newest == "" {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return root, today, nil
	}
	date, err := time.Parse("2006-01-02", newest)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("pipeline: parse dated dir %q: %w", newest, err)
	}
	return filepath.Join(root, newest), date, nil
}

// inferKind maps a filename to the entity family it carries. The link
// file test runs first: its name mentions other entities too.
func inferKind(name string) (entity.Kind, bool) {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "apoiadores_emendas"):
		return KindLink, true
	case strings.Contains(n, "proposta"):
		return entity.KindProposta, true
	case strings.Contains(n, "programa"):
		return entity.KindPrograma, true
	case strings.Contains(n, "emenda"):
		return entity.KindEmenda, true
	}
	return "", false
}
