// Package sheet decodes uploaded spreadsheets into dense string grids.
package sheet

import (
	"errors"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

var ErrUnparsable = errors.New("unparsable spreadsheet")

// Decode reads a workbook and returns its first sheet as row-major string
// cells. Rows may be ragged: trailing empty cells are not padded.
func Decode(r io.Reader) (sheetName string, rows [][]string, err error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", nil, fmt.Errorf("%w: workbook has no sheets", ErrUnparsable)
	}
	sheetName = sheets[0]

	rows, err = f.GetRows(sheetName)
	if err != nil {
		return "", nil, fmt.Errorf("read sheet %s: %w", sheetName, err)
	}
	return sheetName, rows, nil
}
