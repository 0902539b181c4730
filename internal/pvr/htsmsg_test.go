package pvr

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHtsmsg_WireLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{"id": int64(258)}))

	want := []byte{
		0, 0, 0, 10, // body length
		typeS64, 2, 0, 0, 0, 2, // header: type, namelen, datalen
		'i', 'd',
		0x02, 0x01, // 258 little-endian, minimal bytes
	}
	assert.Equal(t, want, buf.Bytes())
}

func TestHtsmsg_ZeroIsEmpty(t *testing.T) {
	assert.Empty(t, encodeS64(0))

	m, err := Decode([]byte{typeS64, 1, 0, 0, 0, 0, 'x'})
	require.NoError(t, err)
	v, ok := m.Int("x")
	assert.True(t, ok)
	assert.Equal(t, int64(0), v)
}

func TestHtsmsg_NestedValues(t *testing.T) {
	in := Message{
		"method":   "dvrEntryAdd",
		"start":    int64(1_700_000_000),
		"negative": int64(-2),
		"digest":   []byte{0xde, 0xad},
		"meta":     Message{"title": "News"},
		"list":     []interface{}{int64(1), "two"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, in))
	out, err := ReadMessage(&buf)
	require.NoError(t, err)

	assert.Equal(t, in, out)
}

func TestHtsmsg_IntAliases(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{"a": 7, "b": uint32(9), "c": true}))
	out, err := ReadMessage(&buf)
	require.NoError(t, err)

	assert.Equal(t, int64(7), out["a"])
	assert.Equal(t, int64(9), out["b"])
	assert.Equal(t, int64(1), out["c"])
}

func TestHtsmsg_Unsupported(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteMessage(&buf, Message{"f": 1.5}))
}

func TestHtsmsg_Malformed(t *testing.T) {
	_, err := Decode([]byte{typeStr, 4, 0, 0, 0, 10, 'n'})
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Decode([]byte{typeStr, 0})
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = ReadMessage(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestHtsmsg_UnknownTypeSkipped(t *testing.T) {
	body := []byte{
		6, 1, 0, 0, 0, 1, 'f', 0x00, // unknown type 6
		typeStr, 1, 0, 0, 0, 2, 's', 'o', 'k',
	}
	m, err := Decode(body)
	require.NoError(t, err)
	assert.NotContains(t, m, "f")
	v, _ := m.Str("s")
	assert.Equal(t, "ok", v)
}
