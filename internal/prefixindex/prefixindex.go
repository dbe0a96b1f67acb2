// Package prefixindex classifies IPv4 addresses as domestic or foreign by
// testing them against a sorted table of CIDR prefixes.
package prefixindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
)

// ErrEmptyPrefixLine is returned by [ParseLine] for an empty string.
// ParseLine does not strip CR/LF or whitespace itself; [Build] does, and
// skips the lines left empty, so Build never returns this error.
const ErrEmptyPrefixLine errors.Error = "empty prefix line"

// ParseError reports a malformed prefix-file line.  The offending line
// number (1-based) is preserved so callers can report it to the user.
type ParseError struct {
	Err  error
	Line int
}

// Error implements the error interface for *ParseError.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing prefix file at line %d: %s", e.Line, e.Err)
}

// Unwrap returns the underlying cause, for errors.Is/errors.As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Prefix is an IPv4 CIDR: network is the address' numeric value in host
// byte order with all host bits cleared, hostMask has every host bit set
// and every network bit clear.
type Prefix struct {
	network  uint32
	hostMask uint32
}

// contains reports whether addr (host byte order) falls within p.
func (p Prefix) contains(addr uint32) bool {
	return (p.network^addr)&^p.hostMask == 0
}

// Index is an immutable, sorted-ascending table of [Prefix] supporting
// O(log n) containment tests.  The zero Index is empty and valid.
type Index struct {
	prefixes []Prefix
}

// Len returns the number of distinct network addresses held by idx.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}

	return len(idx.prefixes)
}

// Build reads newline-delimited CIDR lines (CR/LF tolerated) from r and
// returns a ready-to-query [Index].  It fails with a *ParseError naming the
// offending line on the first malformed entry.  Blank lines are skipped.
func Build(r io.Reader) (idx *Index, err error) {
	var prefixes []Prefix

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++

		text := strings.TrimRight(sc.Text(), "\r")
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		p, pErr := ParseLine(text)
		if pErr != nil {
			return nil, &ParseError{Line: line, Err: pErr}
		}

		prefixes = append(prefixes, p)
	}
	if sErr := sc.Err(); sErr != nil {
		return nil, fmt.Errorf("reading prefix file: %w", sErr)
	}

	sort.Slice(prefixes, func(i, j int) bool {
		return prefixes[i].network < prefixes[j].network
	})

	return dedup(prefixes), nil
}

// dedup keeps the last entry seen for each distinct network address: at
// most one entry per distinct network address survives.
func dedup(sorted []Prefix) *Index {
	out := sorted[:0:0]
	for i, p := range sorted {
		if i > 0 && p.network == sorted[i-1].network {
			out[len(out)-1] = p

			continue
		}

		out = append(out, p)
	}

	return &Index{prefixes: out}
}

// ParseLine parses a single textual CIDR: "a.b.c.d" or "a.b.c.d/len".
// Missing "/len" defaults to /32.
func ParseLine(text string) (p Prefix, err error) {
	if text == "" {
		return Prefix{}, ErrEmptyPrefixLine
	}

	addrPart, lenPart, hasSlash := strings.Cut(text, "/")

	ip, err := netutil.ParseIPv4(addrPart)
	if err != nil {
		return Prefix{}, fmt.Errorf("parsing address %q: %w", addrPart, err)
	}

	prefixLen := netutil.IPv4BitLen
	if hasSlash {
		prefixLen, err = strconv.Atoi(lenPart)
		if err != nil {
			return Prefix{}, fmt.Errorf("parsing prefix length %q: %w", lenPart, err)
		}
		if prefixLen < 0 || prefixLen > netutil.IPv4BitLen {
			return Prefix{}, fmt.Errorf("prefix length %d out of range", prefixLen)
		}
	}

	addr := binary.BigEndian.Uint32(ip.To4())
	hostMask := hostMaskFor(prefixLen)

	return Prefix{network: addr &^ hostMask, hostMask: hostMask}, nil
}

// hostMaskFor returns the host-bits mask for a prefix of the given length:
// (1 << (32 - len)) - 1.
func hostMaskFor(prefixLen int) uint32 {
	if prefixLen <= 0 {
		return ^uint32(0)
	}
	if prefixLen >= netutil.IPv4BitLen {
		return 0
	}

	return uint32(1)<<(netutil.IPv4BitLen-prefixLen) - 1
}

// Contains reports whether addr belongs to any prefix in idx.  An empty
// index always returns false.  addr is in host byte order (use
// [AddrToUint32] to convert a [net.IP]).
func (idx *Index) Contains(addr uint32) bool {
	if idx.Len() == 0 {
		return false
	}

	prefixes := idx.prefixes

	// Canonical "find greatest network <= addr" binary search: the first
	// index whose network exceeds addr marks the boundary; the candidate
	// entry is the one just before it. sort.Search always terminates and
	// lands on the correct boundary in one pass.
	i := sort.Search(len(prefixes), func(i int) bool {
		return prefixes[i].network > addr
	})
	if i == 0 {
		return false
	}

	return prefixes[i-1].contains(addr)
}

// AddrToUint32 converts a 4-byte IPv4 address into its host-byte-order
// numeric value.
func AddrToUint32(ip net.IP) (addr uint32, ok bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}

	return binary.BigEndian.Uint32(v4), true
}
