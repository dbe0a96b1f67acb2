// Package forwarder wires PrefixIndex, UpstreamSet, PendingTable,
// WireCodec, and FilterPolicy together behind a single-threaded,
// non-blocking-socket event loop.
package forwarder

import (
	"fmt"
	"net"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sys/unix"

	"github.com/Pentiumluyu/ChinaDNS/internal/filter"
	"github.com/Pentiumluyu/ChinaDNS/internal/pending"
	"github.com/Pentiumluyu/ChinaDNS/internal/prefixindex"
	"github.com/Pentiumluyu/ChinaDNS/internal/upstreamset"
)

// recvBufSize is the maximum DNS-over-UDP datagram size this forwarder
// accepts.
const recvBufSize = 512

// Config is the process-wide, immutable-after-bootstrap configuration.
type Config struct {
	ListenAddr    string
	UpstreamSpec  string
	PrefixFile    string
	ListenPort    int
	Bidirectional bool
	Verbose       bool
}

// Loop is the constructed forwarder: two bound, non-blocking sockets plus
// the PendingTable, UpstreamSet, and FilterPolicy that drive the event
// loop.
type Loop struct {
	upstreams *upstreamset.Set
	pending   pending.Table
	policy    filter.Policy

	localFD  int
	remoteFD int

	// prefixConfigured gates upstream domestic/foreign classification: it
	// only matters when a prefix file was loaded and a foreign pool
	// actually exists to distinguish from the domestic one.
	prefixConfigured bool
	verbose          bool
}

// Bootstrap performs sequential, fatal-on-error construction: parse the
// prefix file (if any) into a PrefixIndex, resolve the upstream spec into
// an UpstreamSet, then open and bind both sockets.
func Bootstrap(cfg Config) (*Loop, error) {
	idx := new(prefixindex.Index)
	if cfg.PrefixFile != "" {
		built, err := loadPrefixFile(cfg.PrefixFile)
		if err != nil {
			return nil, errors.Annotate(err, "loading prefix file: %w")
		}

		idx = built
	}

	upstreams, err := upstreamset.Build(cfg.UpstreamSpec, idx)
	if err != nil {
		return nil, errors.Annotate(err, "building upstream set: %w")
	}

	log.Info(
		"bootstrap: %d domestic upstream(s), %d foreign upstream(s), %d prefix(es) loaded",
		len(upstreams.Domestic), len(upstreams.Foreign), idx.Len(),
	)

	localFD, err := openListener(cfg.ListenAddr, cfg.ListenPort)
	if err != nil {
		return nil, errors.Annotate(err, "opening listener socket: %w")
	}

	remoteFD, err := openEphemeral()
	if err != nil {
		_ = unix.Close(localFD)

		return nil, errors.Annotate(err, "opening upstream socket: %w")
	}

	return &Loop{
		upstreams:        upstreams,
		policy:           filter.Policy{Index: idx, Bidirectional: cfg.Bidirectional},
		localFD:          localFD,
		remoteFD:         remoteFD,
		prefixConfigured: cfg.PrefixFile != "",
		verbose:          cfg.Verbose,
	}, nil
}

// loadPrefixFile opens path and builds a [prefixindex.Index] from it.
func loadPrefixFile(path string) (*prefixindex.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	idx, err := prefixindex.Build(f)
	if err != nil {
		return nil, err
	}

	return idx, nil
}

// Close releases both sockets. main calls it when the event loop returns;
// tests call it when they are done with a Loop.
func (l *Loop) Close() {
	_ = unix.Close(l.localFD)
	_ = unix.Close(l.remoteFD)
}

// ListenAddr returns the address clients must send queries to. Useful in
// tests that bootstrap with port 0 and need the OS-assigned port.
func (l *Loop) ListenAddr() (*net.UDPAddr, error) {
	sa, err := unix.Getsockname(l.localFD)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	addr, ok := sockaddrToUDPAddr(sa)
	if !ok {
		return nil, fmt.Errorf("unexpected sockaddr family")
	}

	return addr, nil
}
