package aggregator

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"

	resultsSheet = "Results"
)

// ResultsHeader artifact columns; percentage columns past an event's
// candidate count are left empty
var ResultsHeader = []string{"Event ID", "Region", "Paslon 1", "Paslon 2", "Paslon 3", "Paslon 4", "Paslon 5", "Paslon 6"}

func resultRows(results []*EventResults) [][]string {
	var rows [][]string
	for _, res := range results {
		for _, rec := range res.Records {
			row := make([]string, len(ResultsHeader))
			row[0] = rec.EventID
			row[1] = rec.Region
			for i, p := range rec.Percentages {
				if i >= models.MaxCandidates {
					break
				}
				row[2+i] = strconv.FormatFloat(p, 'f', 2, 64)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// GenerateResultsCSV flat table of every (event, region) row
func GenerateResultsCSV(results []*EventResults) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ResultsHeader); err != nil {
		return nil, err
	}
	if err := w.WriteAll(resultRows(results)); err != nil {
		return nil, fmt.Errorf("failed to write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// GenerateResultsXLSX same table as a spreadsheet
func GenerateResultsXLSX(results []*EventResults) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(resultsSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range ResultsHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(resultsSheet, cell, header); err != nil {
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(resultsSheet, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}
	if err := f.SetColWidth(resultsSheet, "A", "B", 24); err != nil {
		return nil, err
	}

	row := 2
	for _, res := range results {
		for _, rec := range res.Records {
			values := []interface{}{rec.EventID, rec.Region}
			for i, p := range rec.Percentages {
				if i >= models.MaxCandidates {
					break
				}
				values = append(values, p)
			}
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return nil, err
			}
			if err := f.SetSheetRow(resultsSheet, cell, &values); err != nil {
				return nil, fmt.Errorf("failed to write row %d: %w", row, err)
			}
			row++
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// Exporter writes results.csv and results.xlsx into dir
type Exporter struct {
	dir string
}

func NewExporter(dir string) *Exporter {
	return &Exporter{dir: dir}
}

// Path of the artifact in format
func (x *Exporter) Path(format string) string {
	return filepath.Join(x.dir, "results."+format)
}

// Write replaces both artifacts. Each file is written to a temp name and
// renamed so readers never see a partial file.
func (x *Exporter) Write(results []*EventResults) error {
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	csvData, err := GenerateResultsCSV(results)
	if err != nil {
		return err
	}
	if err := x.replace(FormatCSV, csvData); err != nil {
		return err
	}

	xlsxData, err := GenerateResultsXLSX(results)
	if err != nil {
		return err
	}
	return x.replace(FormatXLSX, xlsxData)
}

func (x *Exporter) replace(format string, data []byte) error {
	tmp, err := os.CreateTemp(x.dir, "results-*."+format)
	if err != nil {
		return fmt.Errorf("create temp %s: %w", format, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", format, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), x.Path(format)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", format, err)
	}
	return nil
}

// Read current artifact in format
func (x *Exporter) Read(format string) ([]byte, error) {
	switch format {
	case FormatCSV, FormatXLSX:
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
	return os.ReadFile(x.Path(format))
}
