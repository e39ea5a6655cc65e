// Package intake parses uploaded bills of materials into BOM items.
package intake

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/bom-matcher/internal/model"
)

// MaxItems is the per-project item cap. Larger BOMs are truncated and the
// caller gets a note to surface to the user.
const MaxItems = 20

// Required header columns, in any order. Matching is case-insensitive.
const (
	colQty         = "qty"
	colDescription = "description"
	colMPN         = "possible mpn"
	colPackage     = "package"
	colNotes       = "notes/source"
)

// Result is a parsed BOM plus the truncation note, if any.
type Result struct {
	Items          []model.BOMItem
	TruncationInfo string
}

// ParseCSV reads a BOM from CSV. The first row must be a header containing
// Qty, Description, Possible MPN, Package, and Notes/Source.
func ParseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "intake: read csv")
	}
	return parseRows(rows)
}

// ParseXLSX reads a BOM from the first sheet of an XLSX workbook, with the
// same header contract as ParseCSV.
func ParseXLSX(r io.Reader) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "intake: read xlsx")
	}
	wb, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "intake: open xlsx")
	}
	if len(wb.Sheets) == 0 {
		return nil, eris.New("intake: workbook has no sheets")
	}

	var rows [][]string
	for _, row := range wb.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			cells[i] = cell.String()
		}
		rows = append(rows, cells)
	}
	return parseRows(rows)
}

func parseRows(rows [][]string) (*Result, error) {
	if len(rows) == 0 {
		return nil, eris.New("intake: empty file")
	}

	cols, err := headerIndex(rows[0])
	if err != nil {
		return nil, err
	}

	var items []model.BOMItem
	for _, row := range rows[1:] {
		item := model.BOMItem{
			Quantity:    parseQuantity(cell(row, cols[colQty])),
			Description: strings.TrimSpace(cell(row, cols[colDescription])),
			PossibleMPN: strings.TrimSpace(cell(row, cols[colMPN])),
			Package:     strings.TrimSpace(cell(row, cols[colPackage])),
			Notes:       strings.TrimSpace(cell(row, cols[colNotes])),
		}
		if item.Description == "" && item.PossibleMPN == "" {
			continue
		}
		items = append(items, item)
	}

	result := &Result{Items: items}
	if len(items) > MaxItems {
		result.TruncationInfo = fmt.Sprintf("BOM truncated from %d to %d components", len(items), MaxItems)
		result.Items = items[:MaxItems]
	}
	return result, nil
}

// headerIndex maps each required column name to its position in the header
// row, or errors listing everything missing.
func headerIndex(header []string) (map[string]int, error) {
	positions := make(map[string]int, len(header))
	for i, name := range header {
		positions[strings.ToLower(strings.TrimSpace(name))] = i
	}

	required := []string{colQty, colDescription, colMPN, colPackage, colNotes}
	cols := make(map[string]int, len(required))
	var missing []string
	for _, name := range required {
		idx, ok := positions[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		cols[name] = idx
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("intake: missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// parseQuantity reads a quantity that may carry decoration like "~6" or
// "x2". Anything unparseable defaults to 1.
func parseQuantity(s string) int {
	s = strings.TrimSpace(s)
	digits := strings.TrimFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}
