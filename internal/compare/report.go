package compare

import (
	"fmt"
	"strings"
	"time"
)

// DefaultDepth is how many levels of differing directories a report shows.
const DefaultDepth = 2

// Summary returns a one-line count of the differences in d.
func (d *Diff) Summary() string {
	return fmt.Sprintf("Summary: %d added, %d changed, %d removed (%d paths compared)",
		d.Stats.Added, d.Stats.Changed, d.Stats.Removed, d.Stats.Visited)
}

// FormatReport renders d for a terminal. Directory levels are only counted
// from the first directory with differences of its own, so a change deep in
// an otherwise identical tree is still shown. depth <= 0 means unlimited.
func FormatReport(d *Diff, depth int) string {
	var sb strings.Builder

	if !d.AsOfA.IsZero() || !d.AsOfB.IsZero() {
		fmt.Fprintf(&sb, "As of %s (A) and %s (B):\n", formatTime(d.AsOfA), formatTime(d.AsOfB))
	}

	if !d.HasDifferences() {
		sb.WriteString("No changes detected.\n")
		return sb.String()
	}

	sb.WriteString("Changes detected:\n\n")
	r := reporter{sb: &sb, depth: depth}
	r.dir(d.Root, 0, 0)
	sb.WriteString("\n")
	sb.WriteString(d.Summary())
	sb.WriteString("\n")
	return sb.String()
}

type reporter struct {
	sb    *strings.Builder
	depth int
}

func (r *reporter) dir(n *Node, indent, level int) {
	suffix := ""
	if n.Degraded {
		suffix = " [incomplete: unreadable entries]"
	}
	fmt.Fprintf(r.sb, "%s~ %s/%s\n", pad(indent), n.Path, suffix)

	if r.depth > 0 && level >= r.depth {
		if hidden := countDifferences(n); hidden > 0 {
			fmt.Fprintf(r.sb, "%s... %d more differences below\n", pad(indent+1), hidden)
		}
		return
	}

	own := false
	n.Ascend(func(c *Node) bool {
		if c.Verdict != Identical && !(c.IsDir && c.Verdict == Changed) {
			own = true
			return false
		}
		return true
	})
	next := level
	if level > 0 || own {
		next++
	}

	n.Ascend(func(c *Node) bool {
		switch {
		case c.Verdict == Identical:
		case c.IsDir && c.Verdict == Changed:
			r.dir(c, indent+1, next)
		default:
			r.leaf(c, indent+1)
		}
		return true
	})
}

func (r *reporter) leaf(n *Node, indent int) {
	name := n.Path
	if n.IsDir {
		name += "/"
	}

	switch n.Verdict {
	case Added:
		fmt.Fprintf(r.sb, "%s+ %s (only in B, size: %d bytes)\n", pad(indent), name, n.Size)
	case Removed:
		fmt.Fprintf(r.sb, "%s- %s (only in A, size: %d bytes)\n", pad(indent), name, n.Size)
	case Changed:
		if n.Degraded {
			fmt.Fprintf(r.sb, "%s? %s (unreadable, cannot verify)\n", pad(indent), name)
			return
		}
		fmt.Fprintf(r.sb, "%s~ %s\n", pad(indent), name)
		fmt.Fprintf(r.sb, "%s  A: hash=%s, size=%d bytes\n", pad(indent), n.FileA.Digest, n.FileA.Size)
		fmt.Fprintf(r.sb, "%s  B: hash=%s, size=%d bytes\n", pad(indent), n.FileB.Digest, n.FileB.Size)
	}
}

func countDifferences(n *Node) int {
	count := 0
	n.Ascend(func(c *Node) bool {
		switch {
		case c.Verdict == Identical:
		case c.IsDir && c.Verdict == Changed:
			count += countDifferences(c)
		default:
			count++
		}
		return true
	})
	return count
}

func pad(indent int) string {
	return strings.Repeat("  ", indent)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
