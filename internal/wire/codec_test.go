package wire_test

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pentiumluyu/ChinaDNS/internal/wire"
)

func packQuery(t *testing.T, id uint16, name string) []byte {
	t.Helper()

	m := new(dns.Msg)
	m.Id = id
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	buf, err := m.Pack()
	require.NoError(t, err)

	return buf
}

func packResponse(t *testing.T, id uint16, name string, ips ...string) []byte {
	t.Helper()

	m := new(dns.Msg)
	m.Id = id
	m.Response = true
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	for _, ip := range ips {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP(ip),
		})
	}

	buf, err := m.Pack()
	require.NoError(t, err)

	return buf
}

func TestParseID(t *testing.T) {
	buf := packQuery(t, 0xabcd, "example.com")

	id, ok := wire.ParseID(buf)
	require.True(t, ok)
	assert.Equal(t, uint16(0xabcd), id)
}

func TestParseID_TooShort(t *testing.T) {
	_, ok := wire.ParseID([]byte{0x01})
	assert.False(t, ok)
}

func TestParseQuestionName(t *testing.T) {
	buf := packQuery(t, 1, "example.com")

	name, ok := wire.ParseQuestionName(buf)
	require.True(t, ok)
	assert.Equal(t, "example.com.", name)
}

func TestParseQuestionName_Malformed(t *testing.T) {
	_, ok := wire.ParseQuestionName([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestIterAAnswers(t *testing.T) {
	buf := packResponse(t, 1, "example.com", "93.184.216.34", "203.0.113.5")

	ips, ok := wire.IterAAnswers(buf)
	require.True(t, ok)
	require.Len(t, ips, 2)
	assert.Equal(t, "93.184.216.34", ips[0].String())
	assert.Equal(t, "203.0.113.5", ips[1].String())
}

// TestIterAAnswers_NoARecords covers an NXDOMAIN-shaped response, which
// has no A records to iterate.
func TestIterAAnswers_NoARecords(t *testing.T) {
	buf := packResponse(t, 1, "example.com")

	ips, ok := wire.IterAAnswers(buf)
	require.True(t, ok)
	assert.Empty(t, ips)
}

func TestRewriteWithCompression_SimpleName(t *testing.T) {
	buf := packQuery(t, 1, "example.com")

	out, rewritten := wire.RewriteWithCompression(buf)
	require.True(t, rewritten)
	assert.Len(t, out, len(buf)+1)

	// Find where the zero terminator used to be: right before QTYPE/QCLASS.
	zeroOff := len(buf) - 1 - 4
	assert.Equal(t, byte(0xc0), out[zeroOff])
	assert.Equal(t, byte(0x04), out[zeroOff+1])
	// The QTYPE/QCLASS trailer shifted one byte right but is unchanged.
	assert.Equal(t, buf[zeroOff+1:], out[zeroOff+2:])
}

// TestRewriteWithCompression_AlreadyCompressed covers a question section
// that already contains a compression pointer: the rewrite is a no-op.
func TestRewriteWithCompression_AlreadyCompressed(t *testing.T) {
	buf := packQuery(t, 1, "example.com")
	// Splice a compression pointer in place of the first label length.
	buf[12] = 0xc0

	out, rewritten := wire.RewriteWithCompression(buf)
	assert.False(t, rewritten)
	assert.Equal(t, buf, out)
}

func TestRewriteWithCompression_TooShort(t *testing.T) {
	buf := make([]byte, 16)

	out, rewritten := wire.RewriteWithCompression(buf)
	assert.False(t, rewritten)
	assert.Equal(t, buf, out)
}

func TestRewriteWithCompression_NeverTerminates(t *testing.T) {
	buf := make([]byte, 20)
	buf[12] = 10 // claims a 10-byte label that runs past the buffer

	out, rewritten := wire.RewriteWithCompression(buf)
	assert.False(t, rewritten)
	assert.Equal(t, buf, out)
}
