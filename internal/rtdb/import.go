package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
)

// ImportStats counts what Import wrote and skipped.
type ImportStats struct {
	Written int
	Skipped int
}

// Import loads a JSON tree laid out as a list of single-key objects. A list
// value recurses one level deeper under the key; an object value is written
// at base/key; anything else is reported and skipped.
func Import(ctx context.Context, db Database, base string, items []any, logger *slog.Logger) (ImportStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var st ImportStats
	err := importList(ctx, db, cleanPath(base), items, logger, &st)
	return st, err
}

func importList(ctx context.Context, db Database, base string, items []any, logger *slog.Logger, st *ImportStats) error {
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok || len(obj) == 0 {
			logger.Error("import: entry is not an object", "path", base, "index", i)
			st.Skipped++
			continue
		}
		for key, val := range obj {
			child := path.Join(base, key)
			switch v := val.(type) {
			case []any:
				if err := importList(ctx, db, child, v, logger, st); err != nil {
					return err
				}
			case map[string]any:
				if err := db.Set(ctx, child, v); err != nil {
					return fmt.Errorf("import %s: %w", child, err)
				}
				st.Written++
			default:
				logger.Error("import: data type not object or list", "path", child)
				st.Skipped++
			}
		}
	}
	return nil
}

// DecodeImport reads the top level list accepted by Import.
func DecodeImport(r io.Reader) ([]any, error) {
	var items []any
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode import file: %w", err)
	}
	return items, nil
}
