package matrix

import "testing"

func TestGrowOnlyExtends(t *testing.T) {
	b := Bounds{Rows: 3, Cols: 2}

	if got := b.Grow(0, 0); got != b {
		t.Fatalf("write inside bounds changed them: %v", got)
	}
	if got := b.Grow(5, 0); got != (Bounds{Rows: 6, Cols: 2}) {
		t.Fatalf("Grow(5,0) = %v", got)
	}
	if got := b.Grow(1, 9); got != (Bounds{Rows: 3, Cols: 10}) {
		t.Fatalf("Grow(1,9) = %v", got)
	}
}

func TestGrowIsMonotonic(t *testing.T) {
	b := Bounds{}
	writes := [][2]int{{4, 1}, {0, 0}, {2, 7}, {1, 1}}
	for _, w := range writes {
		next := b.Grow(w[0], w[1])
		if next.Rows < b.Rows || next.Cols < b.Cols {
			t.Fatalf("bounds shrank: %v -> %v after write %v", b, next, w)
		}
		b = next
	}
	if b != (Bounds{Rows: 5, Cols: 8}) {
		t.Fatalf("final bounds = %v", b)
	}
}

func TestGridBounds(t *testing.T) {
	cases := []struct {
		name string
		grid [][]string
		want Bounds
	}{
		{name: "empty", grid: nil, want: Bounds{}},
		{name: "rectangular", grid: [][]string{{"a", "b"}, {"c", "d"}}, want: Bounds{Rows: 2, Cols: 2}},
		{name: "ragged uses longest row", grid: [][]string{{"a"}, {"b", "c", "d"}, {}}, want: Bounds{Rows: 3, Cols: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := GridBounds(tc.grid); got != tc.want {
				t.Fatalf("GridBounds = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestContains(t *testing.T) {
	b := Bounds{Rows: 2, Cols: 3}
	if !b.Contains(1, 2) {
		t.Fatal("expected (1,2) inside 2x3")
	}
	if b.Contains(2, 0) || b.Contains(0, 3) || b.Contains(-1, 0) {
		t.Fatal("expected out-of-range coordinates to be excluded")
	}
}
