package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// formatter renders command results as text tables or JSON.
type formatter struct {
	format string
	w      io.Writer
}

func (f *formatter) json() bool { return f.format == "json" }

func (f *formatter) emitJSON(v any) error {
	enc := json.NewEncoder(f.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes rows under header, or v as JSON.
func (f *formatter) table(v any, header []string, rows [][]string) error {
	if f.json() {
		return f.emitJSON(v)
	}
	tw := tabwriter.NewWriter(f.w, 0, 4, 2, ' ', 0)
	writeRow(tw, header)
	for _, r := range rows {
		writeRow(tw, r)
	}
	return tw.Flush()
}

func (f *formatter) line(v any, format string, args ...any) error {
	if f.json() {
		return f.emitJSON(v)
	}
	_, err := fmt.Fprintf(f.w, format+"\n", args...)
	return err
}

func writeRow(w io.Writer, cols []string) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}
