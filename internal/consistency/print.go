package consistency

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
)

var (
	okColor    = color.New(color.FgGreen)
	clashColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
	dimColor   = color.New(color.FgHiBlack)
	headColor  = color.New(color.FgHiCyan)
)

// Print writes a human readable report. Matches are listed only when
// verbose is set.
func (r *Report) Print(w io.Writer, verbose bool) {
	headColor.Fprintf(w, "Checked %d strand(s)\n", len(r.Strands))

	names := make([]string, 0, len(r.Walked))
	for name := range r.Walked {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dimColor.Fprintf(w, "  %s: %d checkpoint(s) read\n", name, r.Walked[name])
	}

	for _, f := range r.Failures {
		warnColor.Fprintf(w, "  ! %s strand %d: %v\n", f.Registry, f.StrandID, f.Err)
	}
	if verbose {
		for _, m := range r.Matches {
			okColor.Fprintf(w, "  = %s\n", m)
		}
	}
	for _, c := range r.Clashes {
		clashColor.Fprintf(w, "  X %s\n", c)
	}

	summary := fmt.Sprintf("%d match(es), %d clash(es)", len(r.Matches), len(r.Clashes))
	if len(r.Clashes) > 0 {
		clashColor.Fprintln(w, summary)
		return
	}
	okColor.Fprintln(w, summary)
}

// PrintEvidence writes stored evidence, one line per comparison.
func PrintEvidence(w io.Writer, evidence []Evidence) {
	if len(evidence) == 0 {
		dimColor.Fprintln(w, "no evidence recorded")
		return
	}
	for _, e := range evidence {
		c := okColor
		mark := "="
		if !e.Match() {
			c, mark = clashColor, "X"
		}
		c.Fprintf(w, "%s %s %s\n", e.ObservedAt.Format("2006-01-02 15:04:05"), mark, e.Comparison)
	}
}

// PrintDump writes the strands a registry recorded.
func PrintDump(w io.Writer, registry string, dumps []StrandDump) {
	headColor.Fprintf(w, "%s\n", registry)
	if len(dumps) == 0 {
		dimColor.Fprintln(w, "  no strands")
		return
	}
	for _, d := range dumps {
		fmt.Fprintf(w, "  strand %d  %s  %q\n", d.Strand.ID, d.Strand.Location, d.Strand.Description)
		dimColor.Fprintf(w, "    genesis %s\n", d.Strand.GenesisHash.Hex())
		if len(d.Checkpoints) == 0 {
			dimColor.Fprintln(w, "    empty")
			continue
		}
		fmt.Fprintf(w, "    blocks %d..%d\n", d.Lowest, d.Highest)
		for _, cp := range d.Checkpoints {
			fmt.Fprintf(w, "    %10d  %s", cp.BlockNumber, cp.BlockHash.Hex())
			if cp.Previous != 0 {
				dimColor.Fprintf(w, "  <- %d", cp.Previous)
			}
			fmt.Fprintln(w)
		}
	}
}
