// Package report renders run summaries and inventory statistics.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/abelbrown/harvester/internal/config"
	"github.com/abelbrown/harvester/internal/coord"
	"github.com/abelbrown/harvester/internal/plan"
	"github.com/abelbrown/harvester/internal/store"
)

// DefaultTopN is how many category values the inventory report lists.
const DefaultTopN = 15

// unknown labels items without a category value.
const unknown = "Unknown"

// Dist summarizes one numeric attribute. Zero and missing values are
// skipped, matching how the source leaves fields blank.
type Dist struct {
	N   int
	Min float64
	Max float64
	Sum float64
}

// Avg returns the mean, 0 when empty.
func (d Dist) Avg() float64 {
	if d.N == 0 {
		return 0
	}
	return d.Sum / float64(d.N)
}

func (d *Dist) add(v float64) {
	if v == 0 || math.IsNaN(v) {
		return
	}
	if d.N == 0 || v < d.Min {
		d.Min = v
	}
	if d.N == 0 || v > d.Max {
		d.Max = v
	}
	d.N++
	d.Sum += v
}

// Count is one category value and how many items carry it.
type Count struct {
	Value string
	N     int
}

// Inventory is the statistics view of a set of items.
type Inventory struct {
	Total   int
	Top     []Count // most common first, ties by value
	Values  int     // distinct category values
	Price   Dist
	Year    Dist
	Mileage Dist
}

// Compute builds inventory statistics over items using fields to locate
// the attributes. topN <= 0 keeps every category value.
func Compute(items []store.Item, fields config.Fields, topN int) Inventory {
	inv := Inventory{Total: len(items)}
	counts := make(map[string]int)

	for _, it := range items {
		cat := it.String(fields.Category)
		if cat == "" {
			cat = unknown
		}
		counts[cat]++

		if v, ok := it.Float(fields.Price); ok {
			inv.Price.add(v)
		}
		if v, ok := it.Float(fields.Year); ok {
			inv.Year.add(v)
		}
		if v, ok := it.Float(fields.Mileage); ok {
			inv.Mileage.add(v)
		}
	}

	inv.Values = len(counts)
	inv.Top = make([]Count, 0, len(counts))
	for v, n := range counts {
		inv.Top = append(inv.Top, Count{Value: v, N: n})
	}
	sort.Slice(inv.Top, func(i, j int) bool {
		if inv.Top[i].N != inv.Top[j].N {
			return inv.Top[i].N > inv.Top[j].N
		}
		return inv.Top[i].Value < inv.Top[j].Value
	})
	if topN > 0 && len(inv.Top) > topN {
		inv.Top = inv.Top[:topN]
	}
	return inv
}

// WriteInventory prints the statistics in the source's familiar layout.
func WriteInventory(w io.Writer, inv Inventory, categoryLabel string) {
	fmt.Fprintf(w, "Total unique items:  %s\n", humanize.Comma(int64(inv.Total)))
	if inv.Total == 0 {
		return
	}

	if categoryLabel == "" {
		categoryLabel = "Value"
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{categoryLabel, "Count", "Share"})
	for _, c := range inv.Top {
		share := float64(c.N) / float64(inv.Total) * 100
		t.AppendRow(table.Row{c.Value, humanize.Comma(int64(c.N)), fmt.Sprintf("%.1f%%", share)})
	}
	if inv.Values > len(inv.Top) {
		t.AppendFooter(table.Row{fmt.Sprintf("+%d more", inv.Values-len(inv.Top)), "", ""})
	}
	t.SetStyle(table.StyleRounded)
	fmt.Fprintln(w)
	t.Render()

	if inv.Price.N > 0 {
		fmt.Fprintf(w, "\nPrice range:    $%s - $%s\n", humanize.Commaf(math.Round(inv.Price.Min)), humanize.Commaf(math.Round(inv.Price.Max)))
		fmt.Fprintf(w, "Average price:  $%s\n", humanize.Commaf(math.Round(inv.Price.Avg())))
	}
	if inv.Year.N > 0 {
		fmt.Fprintf(w, "Year range:     %.0f - %.0f\n", inv.Year.Min, inv.Year.Max)
	}
	if inv.Mileage.N > 0 {
		fmt.Fprintf(w, "Mileage range:  %s - %s mi\n", humanize.Commaf(math.Round(inv.Mileage.Min)), humanize.Commaf(math.Round(inv.Mileage.Max)))
		fmt.Fprintf(w, "Average miles:  %s mi\n", humanize.Commaf(math.Round(inv.Mileage.Avg())))
	}
}

// WriteSummary prints the end-of-run summary.
func WriteSummary(w io.Writer, s coord.Summary) {
	fmt.Fprintf(w, "Run %s finished: %s (%s)\n", s.RunID, s.State, s.Reason)
	fmt.Fprintf(w, "  Total unique items:  %s\n", humanize.Comma(int64(s.Items)))
	fmt.Fprintf(w, "  New this session:    %s\n", humanize.Comma(int64(s.NewItems)))
	fmt.Fprintf(w, "  Requests:            %s (%s over %d sessions)\n",
		humanize.Comma(s.Requests), humanize.Comma(s.TotalRequests), s.Sessions)
	fmt.Fprintf(w, "  Elapsed:             %s\n", s.Elapsed.Round(100*time.Millisecond))
	fmt.Fprintf(w, "  Rate:                %.1f items/s\n", Rate(s.NewItems, s.Elapsed))

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Partition state", "Count"})
	for _, st := range plan.States {
		t.AppendRow(table.Row{st, s.Partitions[st]})
	}
	t.SetStyle(table.StyleRounded)
	fmt.Fprintln(w)
	t.Render()

	if s.Undercount() {
		fmt.Fprintf(w, "\nWARNING: %d FAILED and %d SATURATED partitions; the inventory is likely undercounted.\n",
			s.Partitions[plan.Failed], s.Partitions[plan.Saturated])
	}
	if s.CheckpointErr != nil {
		fmt.Fprintf(w, "\nWARNING: last checkpoint save failed: %v\n", s.CheckpointErr)
	}
}

// Rate is items per second, never dividing by less than one second.
func Rate(items int, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs < 1 {
		secs = 1
	}
	return float64(items) / secs
}
