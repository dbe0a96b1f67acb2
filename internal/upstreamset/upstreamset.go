// Package upstreamset builds and classifies the pools of upstream DNS
// resolvers a query is fanned out to.
package upstreamset

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"

	"github.com/Pentiumluyu/ChinaDNS/internal/prefixindex"
)

// ErrNoDomesticPool and ErrNoForeignPool are returned when filtering is
// enabled (a prefix file was loaded) but one partition of the resolved
// upstream set ends up empty.
const (
	ErrNoDomesticPool errors.Error = "upstream config: domestic pool is empty"
	ErrNoForeignPool  errors.Error = "upstream config: foreign pool is empty"
)

// defaultPort is used for any endpoint token that omits ":port".
const defaultPort = "53"

// Endpoint is a resolved IPv4 UDP upstream.
type Endpoint struct {
	Addr *net.UDPAddr
	// numericIP is Addr.IP in host byte order, cached for
	// [Set.IsDomestic]'s linear scan.
	numericIP uint32
}

// Set is the classified collection of upstream endpoints: two ordered
// lists, Domestic and Foreign.
type Set struct {
	Domestic []Endpoint
	Foreign  []Endpoint
}

// resolveFunc resolves a host,port pair to an IPv4 UDP socket address.
// Tests substitute a deterministic fake for the real resolver.
type resolveFunc func(host, port string) (*net.UDPAddr, error)

// Build tokenizes spec on ",', splits each token on its rightmost ':' into
// host and port (default port 53), resolves each to an IPv4 UDP socket
// address, and classifies it domestic or foreign via idx.Contains. If idx
// holds at least one prefix (a non-empty prefix file was configured) and
// either resulting pool is empty, Build fails with a *ConfigError*
// equivalent.
func Build(spec string, idx *prefixindex.Index) (*Set, error) {
	return build(spec, idx, resolveUDPAddr)
}

func build(spec string, idx *prefixindex.Index, resolve resolveFunc) (*Set, error) {
	set := &Set{}

	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		host, port := splitHostPort(tok)

		addr, err := resolve(host, port)
		if err != nil {
			return nil, fmt.Errorf("resolving upstream %q: %w", tok, err)
		}

		numericIP, ok := prefixindex.AddrToUint32(addr.IP)
		if !ok {
			return nil, fmt.Errorf("resolving upstream %q: not an IPv4 address", tok)
		}

		ep := Endpoint{Addr: addr, numericIP: numericIP}

		if idx.Contains(numericIP) {
			set.Domestic = append(set.Domestic, ep)
		} else {
			set.Foreign = append(set.Foreign, ep)
		}
	}

	if idx.Len() > 0 {
		if len(set.Domestic) == 0 {
			return nil, ErrNoDomesticPool
		}
		if len(set.Foreign) == 0 {
			return nil, ErrNoForeignPool
		}
	}

	return set, nil
}

// splitHostPort splits tok on its rightmost ':'. If there is none, port
// defaults to 53.
func splitHostPort(tok string) (host, port string) {
	i := strings.LastIndexByte(tok, ':')
	if i < 0 {
		return tok, defaultPort
	}

	// Distinguish "host:port" from a bare IPv4 literal, which never
	// contains ':'; IPv6 upstreams are not supported, so any colon found
	// here is a port separator.
	host, port = tok[:i], tok[i+1:]
	if _, err := strconv.Atoi(port); err != nil {
		return tok, defaultPort
	}

	return host, port
}

// resolveUDPAddr is the default resolveFunc, using the standard library
// resolver.
func resolveUDPAddr(host, port string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", netutil.JoinHostPort(host, port))
}

// IsDomestic linearly scans set.Domestic for an endpoint whose numeric IP
// matches addr. The set is typically small enough that a linear scan is
// cheaper than maintaining a second index.
func (s *Set) IsDomestic(addr uint32) bool {
	for _, ep := range s.Domestic {
		if ep.numericIP == addr {
			return true
		}
	}

	return false
}
