// Package wire implements the minimal DNS wire operations the forwarder
// needs: transaction id and question/answer extraction, and the single
// compression-pointer rewrite applied to foreign-bound queries.
package wire

import (
	"encoding/binary"
	"net"

	"github.com/miekg/dns"
)

// headerSize is the fixed 12-byte DNS header.
const headerSize = 12

// minRewritableSize is the smallest datagram [RewriteWithCompression]
// will consider: anything at or below it has no room for a name to
// rewrite.
const minRewritableSize = 16

// ParseID reads the 16-bit transaction id from bytes 0..2 of buf.
func ParseID(buf []byte) (id uint16, ok bool) {
	if len(buf) < 2 {
		return 0, false
	}

	return binary.BigEndian.Uint16(buf[:2]), true
}

// ParseQuestionName decodes the name of the first question in buf. It
// returns ok=false for an empty or malformed question section rather
// than an error: wire parsing failures are non-fatal, and the caller
// just drops the datagram.
func ParseQuestionName(buf []byte) (name string, ok bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return "", false
	}
	if len(msg.Question) == 0 {
		return "", false
	}

	return msg.Question[0].Name, true
}

// IterAAnswers returns the rdata of every type-A answer record in buf, in
// wire order, skipping every other record type. A malformed message yields
// ok=false.
func IterAAnswers(buf []byte) (ips []net.IP, ok bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, false
	}

	for _, rr := range msg.Answer {
		if a, isA := rr.(*dns.A); isA {
			ips = append(ips, a.A)
		}
	}

	return ips, true
}

// RewriteWithCompression applies an optional transform for queries bound
// for foreign upstreams: it walks the question section (starting at
// offset 12) through its length-prefixed labels and, if it finds a clean
// end-of-name (a zero length octet) with room for the following
// type/class trailer, rewrites that terminal zero byte into the 2-byte
// compression pointer 0xC0 0x04, extending the packet by exactly one
// byte. If the walk meets a compression pointer (top two bits 11) or
// never terminates within buf, it returns the input unchanged.
//
// It returns a new slice rather than mutating the caller's buffer in
// place.
func RewriteWithCompression(buf []byte) (out []byte, rewritten bool) {
	if len(buf) <= minRewritableSize {
		return buf, false
	}

	off := headerSize
	for off < len(buf) {
		n := buf[off]
		if n&0xc0 == 0xc0 {
			// Already compressed; leave it alone.
			return buf, false
		}
		if n == 0 {
			break
		}

		off += 1 + int(n)
	}

	if off >= len(buf) || buf[off] != 0 {
		// Walk never terminated within buf.
		return buf, false
	}

	// Need the 4-byte QTYPE/QCLASS trailer to still be present after the
	// terminal zero.
	if off+1+4 > len(buf) {
		return buf, false
	}

	rewritten4 := make([]byte, len(buf)+1)
	copy(rewritten4, buf[:off])
	rewritten4[off] = 0xc0
	rewritten4[off+1] = 0x04
	copy(rewritten4[off+2:], buf[off+1:])

	return rewritten4, true
}
