package matrix

// Bounds is the declared extent of the logical dense grid, independent of
// which cells are populated.
type Bounds struct {
	Rows int
	Cols int
}

// Grow extends the bounds to cover a write at (row, col). Bounds only
// grow, never shrink, even when the written value is empty.
func (b Bounds) Grow(row, col int) Bounds {
	if row+1 > b.Rows {
		b.Rows = row + 1
	}
	if col+1 > b.Cols {
		b.Cols = col + 1
	}
	return b
}

// Contains reports whether (row, col) lies inside the bounds.
func (b Bounds) Contains(row, col int) bool {
	return row >= 0 && row < b.Rows && col >= 0 && col < b.Cols
}

// GridBounds derives bounds from a decoded dense grid: row count and the
// longest row's length.
func GridBounds(grid [][]string) Bounds {
	bounds := Bounds{Rows: len(grid)}
	for _, row := range grid {
		if len(row) > bounds.Cols {
			bounds.Cols = len(row)
		}
	}
	return bounds
}
