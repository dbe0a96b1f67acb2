// Package filter decides whether a response's answers are consistent with
// the class (domestic or foreign) of the upstream that produced them.
package filter

import (
	"net"

	"github.com/Pentiumluyu/ChinaDNS/internal/prefixindex"
)

// Policy decides whether a parsed response should be dropped, given
// whether it arrived from a domestic upstream and whether bidirectional
// filtering is enabled.
type Policy struct {
	// Index classifies an answer's IP as domestic or foreign. A nil or
	// empty Index means filtering is disabled: ShouldDrop always returns
	// false.
	Index *prefixindex.Index

	// Bidirectional also rejects domestic-upstream answers that escape
	// the domestic range, catching the symmetric attack on
	// domestic-hosted targets.
	Bidirectional bool
}

// ShouldDrop reports whether the response should be dropped, per this
// table:
//
//	upstream \ answer   domestic        foreign
//	domestic            keep            drop only if Bidirectional
//	foreign             drop            keep
//
// It returns true on the first offending A record; a response with no A
// records (NXDOMAIN, AAAA-only, ...) is always kept.
func (p Policy) ShouldDrop(answers []net.IP, upstreamIsDomestic bool) bool {
	if p.Index.Len() == 0 {
		return false
	}

	for _, ip := range answers {
		addr, ok := prefixindex.AddrToUint32(ip)
		if !ok {
			continue
		}

		answerIsDomestic := p.Index.Contains(addr)

		if !upstreamIsDomestic && answerIsDomestic {
			return true
		}
		if upstreamIsDomestic && !answerIsDomestic && p.Bidirectional {
			return true
		}
	}

	return false
}
