package vm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"nyash-core/domain/mirtypes"
)

// Stats accumulates per-opcode execution counts and wall-clock time (spec
// §4.8 "Stats collection"), enabled via WithStats. It is safe to read only
// after the VM's Run has returned; the VM itself is single-threaded.
type Stats struct {
	counts   map[mirtypes.Op]uint64
	nanos    map[mirtypes.Op]int64
	total    uint64
}

func newStats() *Stats {
	return &Stats{counts: map[mirtypes.Op]uint64{}, nanos: map[mirtypes.Op]int64{}}
}

func (s *Stats) record(op mirtypes.Op, elapsed time.Duration) {
	s.counts[op]++
	s.nanos[op] += elapsed.Nanoseconds()
	s.total++
}

// Row is one opcode's aggregated stats, exported for JSON/text rendering.
type Row struct {
	Op          string `json:"op"`
	Count       uint64 `json:"count"`
	TotalNanos  int64  `json:"total_nanos"`
}

// Rows returns every recorded opcode's stats sorted by descending count,
// so the dominant instructions (BoxCall, Const, NewBox, BinOp, Branch per
// spec §4.8) sort to the top.
func (s *Stats) Rows() []Row {
	rows := make([]Row, 0, len(s.counts))
	for op, count := range s.counts {
		rows = append(rows, Row{Op: op.String(), Count: count, TotalNanos: s.nanos[op]})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Op < rows[j].Op
	})
	return rows
}

// JSON renders the stats as a JSON document (`--vm-stats-json`).
func (s *Stats) JSON() ([]byte, error) {
	return json.MarshalIndent(struct {
		Total uint64 `json:"total_instructions"`
		Ops   []Row  `json:"ops"`
	}{Total: s.total, Ops: s.Rows()}, "", "  ")
}

// String renders a human-readable table (`--vm-stats`).
func (s *Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %10s %14s\n", "OP", "COUNT", "TOTAL_NS")
	for _, r := range s.Rows() {
		fmt.Fprintf(&b, "%-14s %10d %14d\n", r.Op, r.Count, r.TotalNanos)
	}
	fmt.Fprintf(&b, "%-14s %10d\n", "TOTAL", s.total)
	return b.String()
}
