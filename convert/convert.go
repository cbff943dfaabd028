// Package convert turns the extraction tool's CSV table into Parquet.
package convert

import (
	"bytes"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/c360/captureflow/errors"
)

// ColumnType is the physical type chosen for a column
type ColumnType string

// Column types
const (
	TypeDouble ColumnType = "DOUBLE"
	TypeString ColumnType = "UTF8"
)

// Column describes one output column
type Column struct {
	Name string
	Type ColumnType
}

// Table is the converted artifact
type Table struct {
	Rows    int
	Columns []Column
	Data    []byte
}

// Converter converts CSV with a header row into a Parquet file
type Converter struct {
	required []string
}

// New creates a Converter. Every name in required must appear in the header.
func New(required ...string) *Converter {
	return &Converter{required: required}
}

// ConvertFile converts the CSV file at path
func (c *Converter) ConvertFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewPipeline(errors.KindArtifactIO, "convert.ConvertFile", err)
	}
	defer f.Close()
	return c.Convert(f)
}

// Convert reads CSV from r. A column is DOUBLE when every value parses as a
// float and UTF8 otherwise. Ragged rows, an empty input, a missing required
// column and empty or duplicate header names are ConversionErrors.
func (c *Converter) Convert(r io.Reader) (*Table, error) {
	header, records, err := readCSV(r)
	if err != nil {
		return nil, conversionError(err)
	}

	if err := c.checkRequired(header); err != nil {
		return nil, conversionError(err)
	}

	columns := inferColumns(header, records)

	data, err := writeParquet(columns, records)
	if err != nil {
		return nil, conversionError(err)
	}

	return &Table{Rows: len(records), Columns: columns, Data: data}, nil
}

func conversionError(err error) error {
	return errors.NewPipeline(errors.KindConversion, "convert.Convert", err)
}

func readCSV(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if stderrors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("empty input")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	seen := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if name == "" {
			return nil, nil, fmt.Errorf("header column %d is empty", i+1)
		}
		if j, dup := seen[name]; dup {
			return nil, nil, fmt.Errorf("header column %q appears at %d and %d", name, j+1, i+1)
		}
		seen[name] = i
		header[i] = name
	}

	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read rows: %w", err)
	}
	return header, records, nil
}

func (c *Converter) checkRequired(header []string) error {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for _, name := range c.required {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

func inferColumns(header []string, records [][]string) []Column {
	columns := make([]Column, len(header))
	for i, name := range header {
		typ := TypeDouble
		for _, rec := range records {
			if _, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64); err != nil {
				typ = TypeString
				break
			}
		}
		columns[i] = Column{Name: name, Type: typ}
	}
	return columns
}

func writeParquet(columns []Column, records [][]string) ([]byte, error) {
	group := make(parquet.Group, len(columns))
	for _, col := range columns {
		if col.Type == TypeDouble {
			group[col.Name] = parquet.Leaf(parquet.DoubleType)
		} else {
			group[col.Name] = parquet.String()
		}
	}
	schema := parquet.NewSchema("capture_features", group)

	// Leaf columns are ordered by name in the schema, not by header position.
	index := make([]int, len(columns))
	byName := make(map[string]int, len(columns))
	for i, col := range columns {
		byName[col.Name] = i
	}
	for leaf, path := range schema.Columns() {
		index[leaf] = byName[path[0]]
	}

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, schema)

	rows := make([]parquet.Row, 0, len(records))
	for _, rec := range records {
		row := make(parquet.Row, len(columns))
		for leaf, src := range index {
			raw := strings.TrimSpace(rec[src])
			var v parquet.Value
			if columns[src].Type == TypeDouble {
				f, _ := strconv.ParseFloat(raw, 64)
				v = parquet.DoubleValue(f)
			} else {
				v = parquet.ByteArrayValue([]byte(rec[src]))
			}
			row[leaf] = v.Level(0, 0, leaf)
		}
		rows = append(rows, row)
	}

	if _, err := w.WriteRows(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}
