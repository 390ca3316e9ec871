// Package labels keeps the station's field display names in a JSON sidecar
// next to the observation database.
package labels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"ambientweather2sqlite/internal/live"
)

// Path returns "<dir>/<stem>_metadata.json" for the database at dbPath.
func Path(dbPath string) string {
	dir := filepath.Dir(dbPath)
	base := filepath.Base(dbPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+"_metadata.json")
}

func Load(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	labels := map[string]string{}
	if err := json.Unmarshal(b, &labels); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return labels, nil
}

// Save writes labels atomically.
func Save(path string, labels map[string]string) error {
	b, err := json.MarshalIndent(labels, "", "    ")
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Ensure loads the sidecar at path, creating it from one fetch of src when it
// does not exist yet. The boolean reports whether the file was created.
func Ensure(ctx context.Context, path string, src live.Source) (map[string]string, bool, error) {
	labels, err := Load(path)
	if err == nil {
		return labels, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	if src == nil {
		return map[string]string{}, false, nil
	}

	reading, err := src.Fetch(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("fetch labels: %w", err)
	}
	labels = reading.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	if err := Save(path, labels); err != nil {
		return nil, false, err
	}
	return labels, true, nil
}

// Decorate rekeys values by display name, keeping field names that have no
// label.
func Decorate(values map[string]*float64, labels map[string]string) map[string]*float64 {
	out := make(map[string]*float64, len(values))
	for name, v := range values {
		if label, ok := labels[name]; ok && label != "" {
			out[label] = v
			continue
		}
		out[name] = v
	}
	return out
}
