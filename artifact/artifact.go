// Package artifact reads and writes the JSON files the pipelines exchange:
// the raw attribute mapping, the consolidated mapping, and item lists.
package artifact

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/martinemde/attrnorm/attrs"
	"github.com/martinemde/attrnorm/jsonrepair"
	"github.com/spf13/afero"
)

// Files reads and writes artifacts on a filesystem.
type Files struct {
	fs afero.Fs
}

// New returns Files backed by fs. A nil fs uses the OS filesystem.
func New(fs afero.Fs) *Files {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Files{fs: fs}
}

// OS is the default, OS-backed Files.
var OS = New(nil)

// ReadMapping loads a raw attribute mapping, keeping key order.
func (f *Files) ReadMapping(path string) (*attrs.RawMapping, error) {
	m := attrs.NewRawMapping()
	if err := f.readJSON(path, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadConsolidated loads a consolidated mapping and checks it against the
// consolidated schema before decoding.
func (f *Files) ReadConsolidated(path string) (*attrs.ConsolidatedMapping, error) {
	data, err := f.load(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := decode(path, data, &doc); err != nil {
		return nil, err
	}
	schema, err := consolidated()
	if err != nil {
		return nil, fmt.Errorf("compile consolidated schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m := attrs.NewConsolidatedMapping()
	if err := decode(path, data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadItems loads a JSON array of items.
func (f *Files) ReadItems(path string) ([]attrs.Item, error) {
	var items []attrs.Item
	if err := f.readJSON(path, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Check reports the first syntax error of a JSON file, or nil when it is
// valid.
func (f *Files) Check(path string) (*jsonrepair.SyntaxError, error) {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return jsonrepair.Locate(data), nil
}

func (f *Files) readJSON(path string, v any) error {
	data, err := f.load(path)
	if err != nil {
		return err
	}
	return decode(path, data, v)
}

// load reads a file and drops a leading byte order mark.
func (f *Files) load(path string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return jsonrepair.TrimBOM(data), nil
}

func decode(path string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		if se := jsonrepair.Locate(data); se != nil {
			return fmt.Errorf("parse %s: %w", path, se)
		}
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteJSON writes v as two-space indented JSON. The file is written to a
// temporary name in the same directory and renamed into place.
func (f *Files) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(f.fs, dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.fs.Rename(tmpName, path); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
