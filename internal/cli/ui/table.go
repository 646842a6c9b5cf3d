package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
)

const columnGap = "  "

// Align is the horizontal alignment of a column
type Align int

const (
	AlignLeft Align = iota
	AlignRight
)

// Column describes one table column. Style, when set, picks the color of a
// cell from its text; it is applied after padding so widths stay exact.
type Column struct {
	Title string
	Align Align
	Style func(cell string) *color.Color
}

// Table renders rows under a bold title line and a rule. Widths are counted
// in runes, so field labels outside ASCII stay aligned.
type Table struct {
	w       io.Writer
	columns []Column
	rows    [][]string
	noColor bool
}

// NewTable creates a table with the given columns
func NewTable(w io.Writer, columns []Column, noColor bool) *Table {
	return &Table{w: w, columns: columns, noColor: noColor}
}

// AddRow appends a row. Missing cells render empty and extra cells are dropped.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.columns))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// Render writes the table. A table without columns writes nothing.
func (t *Table) Render() {
	if len(t.columns) == 0 {
		return
	}
	widths := make([]int, len(t.columns))
	titles := make([]string, len(t.columns))
	for i, c := range t.columns {
		titles[i] = c.Title
		widths[i] = utf8.RuneCountInString(c.Title)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	rule := make([]string, len(widths))
	for i, n := range widths {
		rule[i] = strings.Repeat("─", n)
	}

	title := color.New(color.Bold, color.FgCyan)
	faint := color.New(color.FgHiBlack)
	t.line(titles, widths, func(int, string) *color.Color { return title })
	t.line(rule, widths, func(int, string) *color.Color { return faint })
	for _, row := range t.rows {
		t.line(row, widths, func(i int, cell string) *color.Color {
			if style := t.columns[i].Style; style != nil {
				return style(cell)
			}
			return nil
		})
	}
}

func (t *Table) line(cells []string, widths []int, style func(i int, cell string) *color.Color) {
	var b strings.Builder
	last := len(widths) - 1
	for i, cell := range cells {
		padded := pad(cell, widths[i], t.columns[i].Align)
		if i == last {
			padded = strings.TrimRight(padded, " ")
		}
		if c := style(i, cell); c != nil && !t.noColor {
			padded = c.Sprint(padded)
		}
		if i > 0 {
			b.WriteString(columnGap)
		}
		b.WriteString(padded)
	}
	fmt.Fprintln(t.w, strings.TrimRight(b.String(), " "))
}

func pad(s string, width int, align Align) string {
	n := width - utf8.RuneCountInString(s)
	if n <= 0 {
		return s
	}
	if align == AlignRight {
		return strings.Repeat(" ", n) + s
	}
	return s + strings.Repeat(" ", n)
}

// Score formats a value in [0, 1] with two decimals
func Score(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Percent formats a ratio in [0, 1] as a whole percentage
func Percent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 0, 64) + "%"
}

// ScoreStyle colors cells written by Score or Percent: green from high up,
// faint below low. Cells that are not numbers stay plain.
func ScoreStyle(high, low float64) func(string) *color.Color {
	return func(cell string) *color.Color {
		v, err := strconv.ParseFloat(strings.TrimSuffix(cell, "%"), 64)
		if err != nil {
			return nil
		}
		if strings.HasSuffix(cell, "%") {
			v /= 100
		}
		switch {
		case v >= high:
			return color.New(color.FgGreen)
		case v < low:
			return color.New(color.FgHiBlack)
		}
		return nil
	}
}

// Flags joins the set flags into one cell, in the order given
func Flags(flags ...Flag) string {
	var names []string
	for _, f := range flags {
		if f.Set {
			names = append(names, f.Name)
		}
	}
	return strings.Join(names, ",")
}

// Flag is a named boolean shown in a flags column
type Flag struct {
	Name string
	Set  bool
}

// FlagStyle highlights cells written by Flags that carry any of the named flags
func FlagStyle(highlight ...string) func(string) *color.Color {
	return func(cell string) *color.Color {
		for _, name := range strings.Split(cell, ",") {
			for _, h := range highlight {
				if name == h {
					return color.New(color.FgYellow)
				}
			}
		}
		return nil
	}
}

// Checklist renders labelled items marked done or pending, one per line,
// with the state words aligned
type Checklist struct {
	w       io.Writer
	done    string
	pending string
	items   []checkItem
	noColor bool
}

type checkItem struct {
	label string
	done  bool
}

// NewChecklist creates a checklist that reports items with the given words
func NewChecklist(w io.Writer, done, pending string, noColor bool) *Checklist {
	return &Checklist{w: w, done: done, pending: pending, noColor: noColor}
}

// Add appends an item
func (c *Checklist) Add(label string, done bool) {
	c.items = append(c.items, checkItem{label: label, done: done})
}

// Render writes the checklist. An empty checklist writes nothing.
func (c *Checklist) Render() {
	width := 0
	for _, it := range c.items {
		if n := utf8.RuneCountInString(it.label); n > width {
			width = n
		}
	}
	ok := color.New(color.FgGreen)
	todo := color.New(color.FgYellow)
	if c.noColor {
		ok.DisableColor()
		todo.DisableColor()
	}
	for _, it := range c.items {
		mark, state, paint := "✓", c.done, ok
		if !it.done {
			mark, state, paint = "·", c.pending, todo
		}
		fmt.Fprintf(c.w, "%s %s  %s\n", paint.Sprint(mark), pad(it.label, width, AlignLeft), paint.Sprint(state))
	}
}

// Heading writes title underlined by a rule of the same width
func Heading(w io.Writer, title string, noColor bool) {
	bold := color.New(color.Bold, color.FgCyan)
	faint := color.New(color.FgHiBlack)
	if noColor {
		bold.DisableColor()
		faint.DisableColor()
	}
	bold.Fprintln(w, title)
	faint.Fprintln(w, strings.Repeat("─", utf8.RuneCountInString(title)))
}

// List writes a bold title followed by indented lines and a blank line
func List(w io.Writer, title string, lines []string, noColor bool) {
	bold := color.New(color.Bold, color.FgCyan)
	if noColor {
		bold.DisableColor()
	}
	bold.Fprintln(w, title)
	for _, line := range lines {
		fmt.Fprintf(w, "  %s\n", line)
	}
	fmt.Fprintln(w)
}
