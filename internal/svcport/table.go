// Package svcport classifies transport endpoints as known services.
package svcport

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"firestige.xyz/rte/internal/core"
)

// Table is a read-only set of service ports for one transport. Lookups are a
// single bit test.
type Table struct {
	bits  [65536 / 64]uint64
	count int
}

// Parse builds a table from a comma separated list of ports and inclusive
// ranges, e.g. "25,80,443,8000-8010". Whitespace is ignored. Any entry that is
// not numeric or falls outside 1..65535 rejects the whole list.
func Parse(list string) (*Table, error) {
	t := &Table{}
	list = strings.TrimSpace(list)
	if list == "" {
		return t, nil
	}
	for _, raw := range strings.Split(list, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			return nil, fmt.Errorf("%w: empty entry in %q", core.ErrInvalidPort, list)
		}
		lo, hi, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		for p := lo; p <= hi; p++ {
			t.add(uint16(p))
		}
	}
	return t, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(list string) *Table {
	t, err := Parse(list)
	if err != nil {
		panic(err)
	}
	return t
}

func parseEntry(entry string) (int, int, error) {
	if lo, hi, ok := strings.Cut(entry, "-"); ok {
		l, err := parsePort(lo)
		if err != nil {
			return 0, 0, err
		}
		h, err := parsePort(hi)
		if err != nil {
			return 0, 0, err
		}
		if l > h {
			return 0, 0, fmt.Errorf("%w: range %q is reversed", core.ErrInvalidPort, entry)
		}
		return l, h, nil
	}
	p, err := parsePort(entry)
	return p, p, err
}

func parsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", core.ErrInvalidPort, s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: %d out of range 1-65535", core.ErrInvalidPort, p)
	}
	return p, nil
}

func (t *Table) add(p uint16) {
	if !t.Contains(p) {
		t.bits[p>>6] |= 1 << (p & 63)
		t.count++
	}
}

// Contains reports whether port is a service port. A nil table contains nothing.
func (t *Table) Contains(port uint16) bool {
	if t == nil {
		return false
	}
	return t.bits[port>>6]&(1<<(port&63)) != 0
}

// Len returns the number of ports in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return t.count
}

// Ports returns the configured ports in ascending order.
func (t *Table) Ports() []uint16 {
	if t == nil {
		return nil
	}
	out := make([]uint16, 0, t.count)
	for i := 0; i < 65536; i++ {
		if t.Contains(uint16(i)) {
			out = append(out, uint16(i))
		}
	}
	return out
}

// String renders the table back in the compact list form, collapsing runs
// into ranges.
func (t *Table) String() string {
	ports := t.Ports()
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	var parts []string
	for i := 0; i < len(ports); {
		j := i
		for j+1 < len(ports) && ports[j+1] == ports[j]+1 {
			j++
		}
		if j > i {
			parts = append(parts, fmt.Sprintf("%d-%d", ports[i], ports[j]))
		} else {
			parts = append(parts, strconv.Itoa(int(ports[i])))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
