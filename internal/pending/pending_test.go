package pending_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pentiumluyu/ChinaDNS/internal/pending"
)

func addr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()

	a, err := net.ResolveUDPAddr("udp4", s)
	require.NoError(t, err)

	return a
}

// TestTable_InsertLookup covers the non-colliding insert/lookup path.
func TestTable_InsertLookup(t *testing.T) {
	var tbl pending.Table

	c := addr(t, "192.0.2.1:40000")
	tbl.Insert(0x1234, c)

	e, ok := tbl.Lookup(0x1234)
	require.True(t, ok)
	assert.Equal(t, c, e.ClientAddr)
}

// TestTable_Collision covers two ids that collide on the same slot.
func TestTable_Collision(t *testing.T) {
	var tbl pending.Table

	c1 := addr(t, "192.0.2.1:40000")
	c2 := addr(t, "192.0.2.2:40001")

	tbl.Insert(0x1234, c1)
	tbl.Insert(0x5634, c2)

	_, ok := tbl.Lookup(0x1234)
	assert.False(t, ok)

	e2, ok := tbl.Lookup(0x5634)
	require.True(t, ok)
	assert.Equal(t, c2, e2.ClientAddr)
}

// TestTable_S6 covers ids 0x0001 and 0x0101, which collide on slot 0x01.
func TestTable_S6(t *testing.T) {
	var tbl pending.Table

	x := addr(t, "192.0.2.10:1")
	y := addr(t, "192.0.2.20:2")

	tbl.Insert(0x0001, x)
	tbl.Insert(0x0101, y)

	_, ok := tbl.Lookup(0x0001)
	assert.False(t, ok)

	e, ok := tbl.Lookup(0x0101)
	require.True(t, ok)
	assert.Equal(t, y, e.ClientAddr)
}

func TestTable_LookupMiss(t *testing.T) {
	var tbl pending.Table

	_, ok := tbl.Lookup(0x9999)
	assert.False(t, ok)
}
