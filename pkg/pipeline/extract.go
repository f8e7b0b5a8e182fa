package pipeline

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

// ExtractFile describes one logical file within an extract set: how rows
// are keyed, whether a flag column picks one row per key, and which staging
// table raw rows land in.
type ExtractFile struct {
	// Name is the logical filename, e.g. "VBI_REQUESTEDABSENCE_SOM.csv".
	// On the wire every instance is prefixed with its date-group.
	Name string

	// IndexKeys are the columns whose values, joined with ",", form the
	// natural key of a row (absence case number, customer number, or the
	// composite C/I index).
	IndexKeys []string

	// FilterColumn/FilterValue, when set, drop every row whose flag column
	// does not match while indexing. Used for default-payment-preference
	// selection, where one of many rows per key is the meaningful one.
	FilterColumn string
	FilterValue  string

	// StagingTable is where raw rows of this file are persisted.
	StagingTable string
}

// Extract is one file's parsed, key-indexed contents for a single
// date-group. Rebuilt from the archived CSVs every run, never persisted.
// Exactly one row per key is retained: last write wins on duplicates.
type Extract struct {
	File         ExtractFile
	FileLocation string
	IndexedData  map[string]map[string]string
}

// NewExtract builds an empty extract for file.
func NewExtract(file ExtractFile, location string) *Extract {
	return &Extract{
		File:         file,
		FileLocation: location,
		IndexedData:  make(map[string]map[string]string),
	}
}

// IndexRow files a raw row under its natural key, applying the file's flag
// filter. Returns false when the row was filtered out or had no key.
func (e *Extract) IndexRow(row map[string]string) bool {
	if e.File.FilterColumn != "" && row[e.File.FilterColumn] != e.File.FilterValue {
		return false
	}
	keyParts := make([]string, 0, len(e.File.IndexKeys))
	for _, col := range e.File.IndexKeys {
		keyParts = append(keyParts, row[col])
	}
	key := strings.Join(keyParts, ",")
	if strings.Trim(key, ",") == "" {
		return false
	}
	e.IndexedData[key] = row
	return true
}

// ExtractData holds one date-group's worth of indexed extracts plus the
// in-memory ReferenceFile that will be persisted if the group commits.
type ExtractData struct {
	DateGroup     string
	ReferenceFile *store.ReferenceFile
	Extracts      map[string]*Extract
}

// ExtractFor returns the indexed extract for a logical filename.
func (d *ExtractData) ExtractFor(name string) (*Extract, bool) {
	e, ok := d.Extracts[name]
	return e, ok
}

// ParseCSVRows parses a comma-delimited extract body (header row, one row
// per logical record) into raw row maps keyed by header name. Short rows
// leave trailing columns empty rather than erroring; upstream extracts are
// occasionally ragged.
func ParseCSVRows(body []byte) ([]map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse extract csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
