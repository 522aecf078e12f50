package healthcard

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTLV(t *testing.T) {
	// FCP of the eGK root
	tlvs, err := ParseTLV(unhex(t, "620C 820138 8407D2760001448000"))
	require.NoError(t, err)
	require.Len(t, tlvs, 1)

	want := TLV{
		Tag:   BerTag{0x62},
		Value: unhex(t, "8201388407D2760001448000"),
		Children: TLVs{
			{Tag: BerTag{0x82}, Value: []byte{0x38}},
			{Tag: BerTag{0x84}, Value: unhex(t, "D2760001448000")},
		},
	}
	if diff := cmp.Diff(want, tlvs[0]); diff != "" {
		t.Errorf("ParseTLV() mismatch (-want +got):\n%s", diff)
	}

	aid := tlvs.FindFirstWithTag(DO_FCP).FirstChild(DO_AID)
	require.NotNil(t, aid)
	mf, ok := LookupMasterFile(aid.Value)
	require.True(t, ok)
	assert.Equal(t, CardTypeEGK, mf.CardType)
	assert.Nil(t, tlvs.FindFirstWithTag(BerTag{0x99}))
	assert.Nil(t, tlvs.FindFirstWithTag(BerTag{0x99}).FirstChild(DO_AID))
}

func TestParseTLVMultiByteTagAndLength(t *testing.T) {
	value := make([]byte, 0x81)
	data := unhex(t, "7F49 8184 868181")
	data = append(data, value...)

	tlvs, err := ParseTLV(data)
	require.NoError(t, err)
	require.Len(t, tlvs, 1)
	assert.Equal(t, BerTag{0x7F, 0x49}, tlvs[0].Tag)
	assert.True(t, tlvs[0].Tag.Constructed())
	assert.Equal(t, "7F49", tlvs[0].Tag.String())
	require.Len(t, tlvs[0].Children, 1)
	assert.Equal(t, value, tlvs[0].Children[0].Value)

	found := tlvs.FindFirstWithTag(BerTag{0x86})
	require.NotNil(t, found)
	assert.Len(t, found.Value, 0x81)
}

func TestParseTLVMalformed(t *testing.T) {
	for _, in := range []string{
		"84",
		"8403D276",
		"5F",
		"8480",
		"6203840201",
	} {
		_, err := ParseTLV(unhex(t, in))
		assert.ErrorIs(t, err, ErrMalformedTLV, in)
	}
}

func TestEncodeTLV(t *testing.T) {
	b, err := encodeTLV(BerTag{0x7F, 0x49}, []byte{0x86, 0x01, 0x04})
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "7F4903860104"), b)

	b, err = encodeTLV(BerTag{0x83}, []byte{0x02})
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "830102"), b)
}

func TestLookupMasterFile(t *testing.T) {
	tests := []struct {
		aid  string
		want CardType
	}{
		{"D2760001448000", CardTypeEGK},
		{"D27600014601", CardTypeHBA},
		{"D27600014606", CardTypeSMCB},
		{"D2760001448003", CardTypeGSMCK},
	}
	for _, tt := range tests {
		mf, ok := LookupMasterFile(unhex(t, tt.aid))
		require.True(t, ok, tt.aid)
		assert.Equal(t, tt.want, mf.CardType, tt.aid)
	}
	_, ok := LookupMasterFile(unhex(t, "D27600014480"))
	assert.False(t, ok)
}
