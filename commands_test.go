package healthcard

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptedPINFormat2(t *testing.T) {
	tests := []struct {
		pin  string
		want string
	}{
		{"1234", "241234FFFFFFFFFF"},
		{"123456", "26123456FFFFFFFF"},
		{"12345678", "2812345678FFFFFF"},
		{"123456789012", "2C123456789012FF"},
	}
	for _, tt := range tests {
		block, err := NewEncryptedPINFormat2(tt.pin)
		require.NoError(t, err, tt.pin)
		assert.Equal(t, unhex(t, tt.want), block.Bytes(), tt.pin)
	}

	for _, pin := range []string{"", "123", "1234567890123", "12a4", "12 34"} {
		_, err := NewEncryptedPINFormat2(pin)
		assert.ErrorIs(t, err, ErrInvalidPIN, pin)
	}
}

func TestVerifyCommand(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 12)
	cmd, err := VerifyCommandRaw(PIN_CH.P2(), data)
	require.NoError(t, err)
	assert.Equal(t, Case3s, cmd.Case())
	assert.Len(t, cmd.Bytes(), 17)
	assert.Equal(t, append(unhex(t, "002000010C"), data...), cmd.Bytes())
	_, hasNe := cmd.Ne()
	assert.False(t, hasNe)

	block, err := NewEncryptedPINFormat2("123456")
	require.NoError(t, err)
	cmd, err = VerifyCommand(PIN_CH, block)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "002000010826123456FFFFFFFF"), cmd.Bytes())
}

func TestPasswordReference(t *testing.T) {
	assert.Equal(t, byte(0x01), PIN_CH.P2())
	assert.Equal(t, byte(0x81), PasswordReference{ID: 0x01, DFSpecific: true}.P2())
	assert.Equal(t, byte(0x84), DF_ESIGN.PrK_CH_AUT_E256.Byte())
}

func TestChangeReferenceDataCommand(t *testing.T) {
	oldPIN, err := NewEncryptedPINFormat2("123456")
	require.NoError(t, err)
	newPIN, err := NewEncryptedPINFormat2("654321")
	require.NoError(t, err)

	cmd, err := ChangeReferenceDataCommand(PIN_CH, oldPIN, newPIN)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "0024000110 26123456FFFFFFFF 26654321FFFFFFFF"), cmd.Bytes())

	cmd, err = ChangeReferenceDataWithoutOldCommand(PIN_CH, newPIN)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "0024010108 26654321FFFFFFFF"), cmd.Bytes())
}

func TestResetRetryCounterCommand(t *testing.T) {
	puk := unhex(t, "2812345678FFFFFF")
	pin := unhex(t, "26654321FFFFFFFF")

	tests := []struct {
		name      string
		puk, next []byte
		want      string
	}{
		{"puk and new secret", puk, pin, "002C000110" + "2812345678FFFFFF" + "26654321FFFFFFFF"},
		{"puk only", puk, nil, "002C010108" + "2812345678FFFFFF"},
		{"new secret only", nil, pin, "002C020108" + "26654321FFFFFFFF"},
		{"neither", nil, nil, "002C0301"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ResetRetryCounterCommand(PIN_CH, tt.puk, tt.next)
			require.NoError(t, err)
			assert.Equal(t, unhex(t, tt.want), cmd.Bytes())
		})
	}
}

func TestGeneralAuthenticateCommand(t *testing.T) {
	cmd, err := GeneralAuthenticateCommand(true, nil)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "10860000027C0000"), cmd.Bytes())

	cmd, err = GeneralAuthenticateCommand(false, unhex(t, "850401020304"))
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "00860000087C0685040102030400"), cmd.Bytes())
	ne, _ := cmd.Ne()
	assert.Equal(t, ExpectedLengthWildcardShort, ne)
}

func TestManageSecurityEnvironmentCommands(t *testing.T) {
	cmd, err := ManageSecurityEnvironmentPACECommand(OIDPACEECDHGMAESCBCCMAC128, CAN)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "0022C1A40F 800A04007F00070202040202 830102"), cmd.Bytes())

	cmd, err = ManageSecurityEnvironmentSigningCommand(DF_ESIGN.PrK_CH_AUT_E256, AlgorithmSignECDSA)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "002241B606 840184 800100"), cmd.Bytes())
}

func TestPSOComputeDigitalSignatureCommand(t *testing.T) {
	hash := bytes.Repeat([]byte{0x11}, 32)
	cmd, err := PSOComputeDigitalSignatureCommand(hash)
	require.NoError(t, err)
	assert.Equal(t, Case4s, cmd.Case())
	assert.Equal(t, hash, cmd.Data())
	assert.Equal(t, unhex(t, "002A9E9A20"), cmd.Bytes()[:5])
}

func TestSelectAndReadCommands(t *testing.T) {
	cmd, err := SelectRootCommand()
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "00A40404000000"), cmd.Bytes())

	cmd, err = SelectCommand(DF_ESIGN.DF.ApplicationIdentifier, false)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "00A4040C0A A000000167455349474E"), cmd.Bytes())

	cmd, err = SelectCommand(DF_ESIGN.DF.ApplicationIdentifier, true)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "00A404040A A000000167455349474E 00"), cmd.Bytes())

	cmd, err = ReadBinarySFICommand(DF_ESIGN.EF_C_CH_AUT_E256, 0)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "00B08400000000"), cmd.Bytes())

	cmd, err = ReadBinaryCommand(0x0123)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "00B00123000000"), cmd.Bytes())

	_, err = ReadBinarySFICommand(DF_ESIGN.EF_C_CH_AUT_E256, 0x100)
	assert.ErrorIs(t, err, ErrInvalidHeaderField)
	_, err = ReadBinaryCommand(0x8000)
	assert.ErrorIs(t, err, ErrInvalidHeaderField)
}
