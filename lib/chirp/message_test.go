package chirp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleParseRoundTrip(t *testing.T) {
	cases := []Message{
		{Type: Request, GroupHash: HashString("g"), NameHash: HashString("a"), Identifier: Control, Port: 0},
		{Type: Offer, GroupHash: HashString("g"), NameHash: HashString("a"), Identifier: Control, Port: 7000},
		{Type: Leaving, GroupHash: HashString("g"), NameHash: HashString("b"), Identifier: Data, Port: 65535},
		{Type: Offer, GroupHash: HashString("other group"), NameHash: HashString("c"), Identifier: Heartbeat, Port: 1},
		{Type: Offer, GroupHash: HashString("g"), NameHash: HashString("d"), Identifier: Monitoring, Port: 9000},
	}

	for _, m := range cases {
		buf := Assemble(m)
		require.Len(t, buf, MessageSize)

		got, err := Parse(buf)
		require.NoErrorf(t, err, "Parse(Assemble(%+v))", m)
		assert.Equal(t, m, got)
	}
}

func TestAssembleKnownLayout(t *testing.T) {
	m := Message{
		Type:       Offer,
		GroupHash:  HashString("g"),
		NameHash:   HashString("a"),
		Identifier: Control,
		Port:       0x1B58,
	}
	buf := Assemble(m)

	assert.Equal(t, "CHIRP\x01", string(buf[0:6]))
	assert.Equal(t, byte(Offer), buf[6])
	assert.Equal(t, byte(Control), buf[39])
	assert.Equal(t, byte(0x1B), buf[40])
	assert.Equal(t, byte(0x58), buf[41])
}

func TestParseRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 1, 41, 43, 100} {
		_, err := Parse(make([]byte, n))
		assert.Errorf(t, err, "Parse accepted length %d", n)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	m := Message{Type: Offer, GroupHash: HashString("g"), NameHash: HashString("a"), Identifier: Control, Port: 1}
	buf := Assemble(m)
	buf[0] = 'X'
	_, err := Parse(buf)
	assert.Error(t, err)
}

func TestParseRejectsUnknownMessageType(t *testing.T) {
	m := Message{Type: Offer, GroupHash: HashString("g"), NameHash: HashString("a"), Identifier: Control, Port: 1}
	buf := Assemble(m)
	buf[6] = 0xFF
	_, err := Parse(buf)
	assert.Error(t, err)
}

func TestParseRejectsUnknownServiceIdentifier(t *testing.T) {
	m := Message{Type: Offer, GroupHash: HashString("g"), NameHash: HashString("a"), Identifier: Control, Port: 1}
	buf := Assemble(m)
	buf[39] = 0xFF
	_, err := Parse(buf)
	assert.Error(t, err)
}

func TestParseRejectsZeroServiceIdentifier(t *testing.T) {
	m := Message{Type: Offer, GroupHash: HashString("g"), NameHash: HashString("a"), Identifier: Control, Port: 1}
	buf := Assemble(m)
	buf[39] = 0
	_, err := Parse(buf)
	assert.Error(t, err)
}
