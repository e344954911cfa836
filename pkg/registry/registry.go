// Package registry reads the CSV registries that back the control plane:
// frameworks, specs, packages, prompts, and the append-only file ownership
// history.
package registry

import (
	"encoding/csv"
	"fmt"
	"os"
)

// Row is one CSV record keyed by header column.
type Row map[string]string

// Read loads a CSV registry. A missing file yields an empty registry.
func Read(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Filter returns rows matching every key/value pair in filters.
func Filter(rows []Row, filters map[string]string) []Row {
	if len(filters) == 0 {
		return rows
	}
	var out []Row
	for _, row := range rows {
		match := true
		for k, v := range filters {
			if row[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

// Lookup returns the first row whose column equals value, or nil.
func Lookup(rows []Row, column, value string) Row {
	for _, row := range rows {
		if row[column] == value {
			return row
		}
	}
	return nil
}

// AppendRows appends records to a CSV file, writing the header first when the
// file does not exist yet. Existing rows are never rewritten.
func AppendRows(path string, header []string, rows []Row) error {
	_, statErr := os.Stat(path)
	newFile := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("registry: open %s for append: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("registry: write header to %s: %w", path, err)
		}
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("registry: append to %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("registry: flush %s: %w", path, err)
	}
	return f.Sync()
}
