// Command timeslice summarises a trace written by nemreplay -trace.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tinyrange/nem/internal/timeslice"
)

type kindTotal struct {
	Name  string
	Flags timeslice.SliceFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *kindTotal) String() string {
	return fmt.Sprintf("% 32s flags=% 10s count=% 8d sum=% 14s min=% 12s max=% 12s avg=% 12s",
		r.Name, r.Flags, r.Count, r.Sum, r.Min, r.Max, r.Sum/time.Duration(r.Count))
}

func (r *kindTotal) Add(d time.Duration) {
	r.Count++
	r.Sum += d
	if r.Min == 0 || d < r.Min {
		r.Min = d
	}
	if r.Max == 0 || d > r.Max {
		r.Max = d
	}
}

// summarize folds the records of r into per-kind totals, in order of first
// appearance. Kinds not starting with prefix are skipped.
func summarize(r io.Reader, prefix string) ([]*kindTotal, time.Duration, error) {
	byName := map[string]*kindTotal{}
	var order []*kindTotal
	var guest time.Duration
	err := timeslice.ReadAllRecords(r, func(name string, flags timeslice.SliceFlags, d time.Duration) error {
		if flags&timeslice.SliceFlagGuestTime != 0 {
			guest += d
		}
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		t, ok := byName[name]
		if !ok {
			t = &kindTotal{Name: name, Flags: flags}
			byName[name] = t
			order = append(order, t)
		}
		t.Add(d)
		return nil
	})
	return order, guest, err
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Trace file to read")
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every record")
	prefix := fs.String("prefix", "", "Only show kinds with this prefix, such as nem_exit_")
	byTotal := fs.Bool("by-total", false, "Order totals by time spent, largest first")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if !*sums {
		if err := timeslice.ReadAllRecords(f, func(name string, flags timeslice.SliceFlags, d time.Duration) error {
			if strings.HasPrefix(name, *prefix) {
				fmt.Printf("%s %s %s\n", name, flags, d)
			}
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
			os.Exit(1)
		}
		return
	}

	totals, guest, err := summarize(f, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
		os.Exit(1)
	}
	if *byTotal {
		sort.SliceStable(totals, func(i, j int) bool { return totals[i].Sum > totals[j].Sum })
	}
	for _, t := range totals {
		fmt.Println(t.String())
	}
	fmt.Printf("guest time: %s\n", guest)
}
