package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-yaml"
)

func tabulate[T any](items []T, headers []string, f func(T) []string) ([]string, error) {
	// Get the column widths
	columnWidths := make([]int, len(headers))
	for i, h := range headers {
		columnWidths[i] = len(h)
	}

	cells := make([][]string, len(items))

	for i, item := range items {
		cells[i] = f(item)

		if len(cells[i]) != len(headers) {
			return nil, fmt.Errorf("invalid number of columns for item %d", i)
		}

		for j, cell := range cells[i] {
			if len(cell) > columnWidths[j] {
				columnWidths[j] = len(cell)
			}
		}
	}

	row := func(cols []string) string {
		var b strings.Builder
		for i, c := range cols {
			if i == len(cols)-1 {
				b.WriteString(c)
			} else {
				fmt.Fprintf(&b, "%-*s", columnWidths[i]+3, c)
			}
		}
		return b.String()
	}

	table := make([]string, 0, len(items)+2)
	table = append(table, row(headers))

	separator := make([]string, len(headers))
	for i := range headers {
		separator[i] = strings.Repeat("-", columnWidths[i])
	}
	table = append(table, row(separator))

	for _, cols := range cells {
		table = append(table, row(cols))
	}

	return table, nil
}

// render writes items as YAML or as a table, depending on --output.
func render[T any](w io.Writer, items []T, headers []string, f func(T) []string) error {
	if outputFormat == "yaml" {
		b, err := yaml.Marshal(items)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}

	table, err := tabulate(items, headers, f)
	if err != nil {
		return err
	}

	for _, row := range table {
		fmt.Fprintln(w, row)
	}
	return nil
}
