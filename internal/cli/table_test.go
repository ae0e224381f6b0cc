package cli

import (
	"strings"
	"testing"
)

func TestTableAddRow(t *testing.T) {
	table := NewTable("OP", "MIN API")

	table.AddRow("Init", "v1")
	table.AddRow("Pause")
	table.AddRow("Start", "v1", "extra")

	if len(table.rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(table.rows))
	}
	for i, row := range table.rows {
		if len(row) != 2 {
			t.Errorf("row %d has %d columns, want 2", i, len(row))
		}
	}
	if table.rows[1][1] != "" {
		t.Errorf("Expected empty string for padded column, got %q", table.rows[1][1])
	}
}

func TestTableRender(t *testing.T) {
	table := NewTable("NAME", "SOURCE", "API")
	table.AddRow("synthetic", "builtin", "v4")
	table.AddRow("vendorcam", "external", "v2")

	output := table.Render()
	lines := strings.Split(strings.TrimSuffix(output, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected 4 lines, got %d:\n%s", len(lines), output)
	}
	if !strings.HasPrefix(lines[1], "---------") {
		t.Errorf("Expected separator line, got %q", lines[1])
	}
	for _, want := range []string{"NAME", "synthetic", "external", "v2"} {
		if !strings.Contains(output, want) {
			t.Errorf("Output should contain %q", want)
		}
	}

	// Columns line up with the header.
	col := strings.Index(lines[0], "SOURCE")
	if strings.Index(lines[2], "builtin") != col || strings.Index(lines[3], "external") != col {
		t.Errorf("SOURCE column misaligned:\n%s", output)
	}
}

func TestTableRenderEmpty(t *testing.T) {
	if output := NewTable().Render(); output != "" {
		t.Errorf("Expected empty string for empty table, got: %q", output)
	}

	output := NewTable("A", "B").Render()
	if !strings.Contains(output, "A") || strings.Count(output, "\n") != 2 {
		t.Errorf("header-only table = %q", output)
	}
}

func TestTableFit(t *testing.T) {
	table := NewTable("NAME", "DESCRIPTION")
	table.AddRow("synthetic", strings.Repeat("word ", 20))
	table.Fit(40)

	for _, line := range strings.Split(strings.TrimSpace(table.Render()), "\n") {
		if len(line) > 40 {
			t.Errorf("line longer than 40 characters: %q", line)
		}
	}

	// Fit never squeezes below the minimum.
	narrow := NewTable("NAME", "DESCRIPTION")
	narrow.AddRow("synthetic", strings.Repeat("x", 40))
	narrow.Fit(5)
	if got := narrow.maxWidths[1]; got != minLastColumn {
		t.Errorf("maxWidths[1] = %d, want %d", got, minLastColumn)
	}
}

func TestPadRight(t *testing.T) {
	tests := []struct {
		input    string
		width    int
		expected string
	}{
		{"test", 10, "test      "},
		{"hello", 5, "hello"},
		{"world", 3, "world"},
		{"", 5, "     "},
	}

	for _, tt := range tests {
		if got := padRight(tt.input, tt.width); got != tt.expected {
			t.Errorf("padRight(%q, %d) = %q, want %q", tt.input, tt.width, got, tt.expected)
		}
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  []string
	}{
		{"fits", "short", 10, []string{"short"}},
		{"words", "one two three", 7, []string{"one two", "three"}},
		{"long word", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"no limit", "anything goes", 0, []string{"anything goes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapText(tt.text, tt.width)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("wrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
			}
		})
	}
}
