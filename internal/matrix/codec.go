package matrix

import (
	"fmt"
	"strconv"
	"strings"
)

// Flatten converts a dense grid into a sparse cell map. Only cells whose
// value is exactly the empty string are omitted; no trimming is applied.
// Ragged rows are allowed and simply contribute fewer keys.
func Flatten(grid [][]string) map[CellKey]string {
	cells := make(map[CellKey]string)
	for r, row := range grid {
		for c, value := range row {
			if value != "" {
				cells[CellKey{Row: r, Col: c}] = value
			}
		}
	}
	return cells
}

// Reconstruct renders the sparse cell map as a rows x cols dense grid of
// strings, empty where no cell is present. Keys outside the bounds are
// rejected with ErrOutOfBounds; a stored matrix violating its own bounds
// is corrupt and must not panic a reader.
func Reconstruct(cells map[CellKey]string, bounds Bounds) ([][]string, error) {
	grid := make([][]string, bounds.Rows)
	for r := range grid {
		grid[r] = make([]string, bounds.Cols)
	}
	for key, value := range cells {
		if !bounds.Contains(key.Row, key.Col) {
			return nil, fmt.Errorf("%w: cell %d_%d exceeds %dx%d", ErrOutOfBounds, key.Row, key.Col, bounds.Rows, bounds.Cols)
		}
		grid[key.Row][key.Col] = value
	}
	return grid, nil
}

// FormatKey serializes a cell key to its persisted "row_col" form.
func FormatKey(key CellKey) string {
	return strconv.Itoa(key.Row) + "_" + strconv.Itoa(key.Col)
}

// ParseKey parses a persisted "row_col" key. Negative indices are invalid.
func ParseKey(raw string) (CellKey, error) {
	sep := strings.IndexByte(raw, '_')
	if sep < 0 {
		return CellKey{}, fmt.Errorf("malformed cell key %q", raw)
	}
	row, err := strconv.Atoi(raw[:sep])
	if err != nil {
		return CellKey{}, fmt.Errorf("malformed cell key %q", raw)
	}
	col, err := strconv.Atoi(raw[sep+1:])
	if err != nil {
		return CellKey{}, fmt.Errorf("malformed cell key %q", raw)
	}
	if row < 0 || col < 0 {
		return CellKey{}, fmt.Errorf("negative cell key %q", raw)
	}
	return CellKey{Row: row, Col: col}, nil
}

// EncodeCells converts the in-memory cell map to the string-keyed form
// stored in the document.
func EncodeCells(cells map[CellKey]string) map[string]string {
	encoded := make(map[string]string, len(cells))
	for key, value := range cells {
		encoded[FormatKey(key)] = value
	}
	return encoded
}

// DecodeCells parses a stored string-keyed cell map.
func DecodeCells(encoded map[string]string) (map[CellKey]string, error) {
	cells := make(map[CellKey]string, len(encoded))
	for raw, value := range encoded {
		key, err := ParseKey(raw)
		if err != nil {
			return nil, err
		}
		cells[key] = value
	}
	return cells, nil
}
