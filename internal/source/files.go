package source

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/anatolykoptev/go_match/internal/normalize"
	"github.com/tidwall/gjson"
)

// LoadDir reads raw posting dumps from a directory of .json files.
// Each file holds either a single posting object or an array of them.
// Unparseable files are logged and skipped.
func LoadDir(dirpath string) ([]normalize.RawPosting, error) {
	entries, err := os.ReadDir(dirpath)
	if err != nil {
		return nil, fmt.Errorf("source: read dir %s: %w", dirpath, err)
	}

	var out []normalize.RawPosting
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dirpath, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("source: unreadable dump skipped", slog.String("path", path), slog.Any("error", err))
			continue
		}
		if !gjson.ValidBytes(data) {
			slog.Warn("source: malformed dump skipped", slog.String("path", path))
			continue
		}
		parsed := gjson.ParseBytes(data)
		if !parsed.IsObject() && !parsed.IsArray() {
			slog.Warn("source: malformed dump skipped", slog.String("path", path))
			continue
		}
		if parsed.IsObject() {
			out = append(out, toPosting(parsed))
			continue
		}
		parsed.ForEach(func(_, item gjson.Result) bool {
			if item.IsObject() {
				out = append(out, toPosting(item))
			}
			return true
		})
	}
	return out, nil
}

func toPosting(obj gjson.Result) normalize.RawPosting {
	posting := make(normalize.RawPosting)
	obj.ForEach(func(key, value gjson.Result) bool {
		posting[key.String()] = value.Value()
		return true
	})
	return posting
}
