package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
)

// Dataset is the column-ordered tabular content shared by the CSV and
// PDF renderers. Rows are keyed by header so callers never depend on
// column positions.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
}

func (d Dataset) records() [][]string {
	out := make([][]string, 0, len(d.Rows)+1)
	out = append(out, d.Headers)
	for _, row := range d.Rows {
		record := make([]string, len(d.Headers))
		for i, header := range d.Headers {
			record[i] = row[header]
		}
		out = append(out, record)
	}
	return out
}

type CSVExporter struct{}

func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Render encodes the dataset, header row first.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, errors.New("dataset has no headers")
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(data.records()); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}
