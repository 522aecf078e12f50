package healthcard

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

func TestEncodeCommand(t *testing.T) {
	short := []byte{0x05, 0x06, 0x07, 0x08, 0x09, 0x0A}
	long := make([]byte, 256)

	tests := []struct {
		name string
		data []byte
		ne   []int
		want string
		c    Case
	}{
		{name: "case 1", want: "01020304", c: Case1},
		{name: "case 2s", ne: []int{127}, want: "010203047F", c: Case2s},
		{name: "case 2s wildcard", ne: []int{256}, want: "0102030400", c: Case2s},
		{name: "case 2e", ne: []int{257}, want: "01020304000101", c: Case2e},
		{name: "case 2e max", ne: []int{65535}, want: "0102030400FFFF", c: Case2e},
		{name: "case 2e wildcard", ne: []int{65536}, want: "01020304000000", c: Case2e},
		{name: "case 3s", data: short, want: "010203040605060708090A", c: Case3s},
		{name: "case 3e", data: long, want: "01020304000100" + strings.Repeat("00", 256), c: Case3e},
		{name: "case 4s", data: short, ne: []int{127}, want: "010203040605060708090A7F", c: Case4s},
		{name: "case 4e by ne", data: short, ne: []int{257}, want: "0102030400000605060708090A0101", c: Case4e},
		{name: "case 4e by nc", data: long, ne: []int{16}, want: "01020304000100" + strings.Repeat("00", 256) + "0010", c: Case4e},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := EncodeCommand(1, 2, 3, 4, tt.data, tt.ne...)
			require.NoError(t, err)
			assert.Equal(t, unhex(t, tt.want), cmd.Bytes())
			assert.Equal(t, tt.c, cmd.Case())
			assert.Equal(t, len(tt.data), cmd.Nc())
			assert.Equal(t, tt.data, cmd.Data())

			ne, hasNe := cmd.Ne()
			assert.Equal(t, len(tt.ne) == 1, hasNe)
			if hasNe {
				assert.Equal(t, tt.ne[0], ne)
			}

			parsed, err := ParseCommand(cmd.Bytes())
			require.NoError(t, err)
			assert.Equal(t, cmd, parsed)
		})
	}
}

func TestEncodeCommandZeroNe(t *testing.T) {
	_, err := EncodeCommand(0, 0xB0, 0, 0, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidExpectedLength)
	_, err = Command(APDUHeader{0x00, 0xB0, 0x00, 0x00}).ExpectedLength(0).APDU()
	assert.ErrorIs(t, err, ErrInvalidExpectedLength)
}

func TestExpectedLengthRoundTrip(t *testing.T) {
	for _, data := range [][]byte{nil, {0x01, 0x02}} {
		for ne := 1; ne <= ExpectedLengthWildcardExtended; ne++ {
			cmd, err := EncodeCommand(0x00, 0xB0, 0x00, 0x00, data, ne)
			require.NoError(t, err)
			if data == nil {
				assert.Equal(t, ne <= ExpectedLengthWildcardShort, cmd.Case() == Case2s, "ne %d", ne)
			}

			parsed, err := ParseCommand(cmd.Bytes())
			require.NoError(t, err)
			got, ok := parsed.Ne()
			require.True(t, ok, "ne %d", ne)
			require.Equal(t, ne, got)
			require.Equal(t, len(data), parsed.Nc())
			require.Equal(t, cmd.Case(), parsed.Case())
		}
	}
}

func TestEncodeCommandErrors(t *testing.T) {
	_, err := EncodeCommand(0x100, 0, 0, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidHeaderField)
	_, err = EncodeCommand(0, -1, 0, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidHeaderField)
	_, err = EncodeCommand(0, 0, 0, 0, make([]byte, 65536))
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	_, err = EncodeCommand(0, 0, 0, 0, nil, 65537)
	assert.ErrorIs(t, err, ErrInvalidExpectedLength)
	_, err = EncodeCommand(0, 0, 0, 0, nil, -1)
	assert.ErrorIs(t, err, ErrInvalidExpectedLength)
	_, err = EncodeCommand(0, 0, 0, 0, nil, 1, 2)
	assert.ErrorIs(t, err, ErrInvalidExpectedLength)
}

func TestParseCommandMalformed(t *testing.T) {
	for _, in := range []string{
		"010203",
		"01020304050607",
		"010203040000",
		"0102030400000201",
	} {
		_, err := ParseCommand(unhex(t, in))
		assert.ErrorIs(t, err, ErrMalformedCommand, in)
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse(unhex(t, "0102039000"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, resp.Data())
	assert.Equal(t, byte(0x90), resp.SW1())
	assert.Equal(t, byte(0x00), resp.SW2())
	assert.Equal(t, SWSuccess, resp.SW())
	assert.Equal(t, "01 02 03 90 00", resp.String())

	empty, err := DecodeResponse(unhex(t, "6A82"))
	require.NoError(t, err)
	assert.Empty(t, empty.Data())
	assert.Equal(t, SWFileNotFound, empty.SW())

	_, err = DecodeResponse([]byte{0x90})
	assert.ErrorIs(t, err, ErrResponseTooShort)
}

func TestCommandBuilder(t *testing.T) {
	cmd, err := Command(APDUHeader{0x00, 0x24, 0x00, 0x01}).
		Body(0x01, 0x02).
		RawBytes(0x03).
		ExpectedLength(ExpectedLengthWildcardShort).
		APDU()
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "002400010301020300"), cmd.Bytes())
	assert.Equal(t, "00 24 00 01", cmd.Header().String())
	assert.Equal(t, []byte{0x00, 0x24, 0x00, 0x01}, cmd.Header().Bytes())
}
