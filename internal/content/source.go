package content

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"phrasecast/internal/types"
)

// FileSource loads phrases from a CSV or YAML file, chosen by extension.
//
// CSV files need a header row with at least "text" and "author" columns; an
// "id" column is optional and defaults to the 1-based row number. YAML files
// hold a top-level "phrases" list of {id, text, author}.
//
// Invalid rows are skipped with a warning. An empty result is not an error
// here; the run treats it as fatal at selection time.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, logger: logger}
}

// LoadContent implements types.ContentSource.
func (s *FileSource) LoadContent(ctx context.Context) ([]types.ContentItem, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSource, "failed to open phrases file", err).
			WithDetails(map[string]any{"path": s.path})
	}
	defer f.Close()

	var items []types.ContentItem
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		items, err = decodeYAML(f)
	case ".csv", "":
		items, err = decodeCSV(f)
	default:
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSource,
			fmt.Sprintf("unsupported phrases file extension %q", filepath.Ext(s.path)), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSource, "failed to decode phrases file", err).
			WithDetails(map[string]any{"path": s.path})
	}
	return validItems(items, s.logger), nil
}

func decodeCSV(r io.Reader) ([]types.ContentItem, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	textCol, ok := cols["text"]
	if !ok {
		return nil, errors.New(`missing "text" column`)
	}
	authorCol, ok := cols["author"]
	if !ok {
		return nil, errors.New(`missing "author" column`)
	}
	idCol, hasID := cols["id"]

	field := func(rec []string, i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var items []types.ContentItem
	for row := 1; ; row++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row, err)
		}
		id := strconv.Itoa(row)
		if hasID && field(rec, idCol) != "" {
			id = field(rec, idCol)
		}
		items = append(items, types.ContentItem{
			ID:     id,
			Text:   field(rec, textCol),
			Author: field(rec, authorCol),
		})
	}
	return items, nil
}

func decodeYAML(r io.Reader) ([]types.ContentItem, error) {
	var doc struct {
		Phrases []types.ContentItem `yaml:"phrases"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for i := range doc.Phrases {
		if doc.Phrases[i].ID == "" {
			doc.Phrases[i].ID = strconv.Itoa(i + 1)
		}
	}
	return doc.Phrases, nil
}

func validItems(items []types.ContentItem, logger *slog.Logger) []types.ContentItem {
	out := make([]types.ContentItem, 0, len(items))
	for _, it := range items {
		it.Text = strings.TrimSpace(it.Text)
		it.Author = strings.TrimSpace(it.Author)
		if err := it.Validate(); err != nil {
			logger.Warn("skipping invalid phrase", "content_id", it.ID, "error", err)
			continue
		}
		out = append(out, it)
	}
	return out
}

// StaticSource serves a fixed in-memory collection.
type StaticSource []types.ContentItem

// LoadContent implements types.ContentSource.
func (s StaticSource) LoadContent(context.Context) ([]types.ContentItem, error) {
	return validItems(s, slog.Default()), nil
}
