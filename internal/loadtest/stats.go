package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Collector aggregates results from many clients. It is safe for concurrent
// use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	echoLatencies    []time.Duration
	connections      int
	sent             int
	rejected         int
	errors           int
	startTime        time.Time
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddEcho records the round trip of one relayed message.
func (c *Collector) AddEcho(d time.Duration) {
	c.mu.Lock()
	c.echoLatencies = append(c.echoLatencies, d)
	c.mu.Unlock()
}

// AddClient folds a finished client's counters in.
func (c *Collector) AddClient(m Metrics) {
	c.mu.Lock()
	c.sent += m.MessagesSent
	c.rejected += m.Rejections
	c.errors += m.Errors
	c.mu.Unlock()
}

// AddError counts a failure that never produced a client.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is a latency distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of durations. It sorts in place.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	rank := func(p float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*p))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: durations[n-1],
	}
}

// Report writes a summary of everything collected to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Sent:         %d\n", c.sent)
	fmt.Fprintf(w, "Rejected:     %d\n", c.rejected)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.sent > 0 {
		fmt.Fprintf(w, "Echo rate:    %.2f%%\n", float64(len(c.echoLatencies))/float64(c.sent)*100)
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Latency", "N", "Avg", "P50", "P95", "P99", "Max"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)
	for _, row := range []struct {
		name string
		ds   []time.Duration
	}{
		{"connect", c.connectLatencies},
		{"echo", c.echoLatencies},
	} {
		if len(row.ds) == 0 {
			continue
		}
		table.Append(Summarize(row.ds).row(row.name))
	}
	table.Render()
}

func (s Summary) row(name string) []string {
	r := func(d time.Duration) string { return d.Round(time.Microsecond).String() }
	return []string{name, strconv.Itoa(s.N), r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max)}
}
