package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
)

// Graph writes the unit dependency graph in DOT form.
func Graph(w *Basic, out io.Writer, background string) error {
	if background == "" {
		background = "white"
	}
	ordered, err := w.UnitsInDependencyOrder()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "digraph %q {\n", w.Name())
	fmt.Fprintf(out, "  bgcolor=%q;\n  rankdir=LR;\n", background)
	for _, u := range ordered {
		shape := "box"
		if u.IsPlotter() {
			shape = "ellipse"
		}
		fmt.Fprintf(out, "  %q [shape=%s, label=%q];\n", u.Name, shape, u.Name+"\n"+u.Kind)
	}
	for _, u := range ordered {
		deps := append([]string(nil), u.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			fmt.Fprintf(out, "  %q -> %q;\n", dep, u.Name)
		}
	}
	fmt.Fprintln(out, "}")
	return nil
}

// WriteGraphFile renders the dependency graph to path, creating parents.
func WriteGraphFile(w *Basic, path, background string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Graph(w, f, background)
}

const dumpValueLimit = 100

// DumpAttrs writes the full unit attribute table in dependency order. When
// all is false, long non-scalar values are elided to a length summary.
func DumpAttrs(w *Basic, out io.Writer, all bool) error {
	ordered, err := w.UnitsInDependencyOrder()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tunit\tattr\tvalue")
	for i, u := range ordered {
		keys := make([]string, 0, len(u.Attrs))
		for k := range u.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, u.Name, k, renderAttr(u.Attrs[k], all))
		}
	}
	return tw.Flush()
}

func renderAttr(v any, all bool) string {
	s := fmt.Sprintf("%v", v)
	if all {
		return s
	}
	switch v.(type) {
	case string, bool, int, int64, float64:
		if len(s) > dumpValueLimit {
			return s[:dumpValueLimit] + "..."
		}
		return s
	default:
		if len(s) > 32 {
			return fmt.Sprintf("value of type %T of length %d", v, len(s))
		}
		return s
	}
}

// Plotters returns the plotter units in dependency order; visualization mode
// drives them directly.
func Plotters(w *Basic) []*Unit {
	ordered, err := w.UnitsInDependencyOrder()
	if err != nil {
		ordered = w.Units()
	}
	var out []*Unit
	for _, u := range ordered {
		if u.IsPlotter() {
			out = append(out, u)
		}
	}
	return out
}

// RunPlotters executes every plotter unit once; used by visualization mode.
func RunPlotters(w *Basic) error {
	for _, u := range Plotters(w) {
		if u.run == nil {
			continue
		}
		if err := u.run(context.Background(), u, w.root); err != nil {
			return fmt.Errorf("workflow %q: plotter %q: %w", w.Name(), u.Name, err)
		}
	}
	return nil
}
