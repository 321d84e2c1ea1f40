// Package progress renders the aggregate receive count as a single status
// line that is overwritten in place.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Reporter is notified with the aggregate total after every received message.
// Implementations must be safe for concurrent use.
type Reporter interface {
	Report(total int64)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(total int64)

// Report implements Reporter.
func (f ReporterFunc) Report(total int64) {
	f(total)
}

// Discard is a Reporter that does nothing.
var Discard Reporter = ReporterFunc(func(int64) {})

// ConsoleReporter writes "\rrecvcount:<total>" so the terminal shows one
// continuously updated line.
type ConsoleReporter struct {
	mu   sync.Mutex
	w    io.Writer
	last int64
}

// NewConsoleReporter creates a ConsoleReporter writing to w, or to stdout when
// w is nil.
//
// Parameters:
//   - w: Destination of the status line
//
// Returns:
//   - A new ConsoleReporter
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	if w == nil {
		w = os.Stdout
	}

	return &ConsoleReporter{w: w}
}

// Report implements Reporter. Totals older than the last one printed are
// skipped, since concurrent sessions may call in out of order.
func (r *ConsoleReporter) Report(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if total < r.last {
		return
	}

	r.last = total
	_, _ = fmt.Fprint(r.w, Line(total))
}

// Last returns the highest total written so far.
func (r *ConsoleReporter) Last() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Finish terminates the status line so following output starts on a new line.
func (r *ConsoleReporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintln(r.w)
}

// Line formats the status line for total.
func Line(total int64) string {
	return fmt.Sprintf("\rrecvcount:%d", total)
}
