package healthcard

import "bytes"

type CardType string

const (
	CardTypeUnknown CardType = "unknown"
	CardTypeEGK     CardType = "egk"
	CardTypeHBA     CardType = "hba"
	CardTypeSMCB    CardType = "smc-b"
	CardTypeGSMCK   CardType = "gsmc-k"
	CardTypeGSMCKT  CardType = "gsmc-kt"
)

// MasterFile identifies the card generation by the AID in the FCP of the MF.
type MasterFile struct {
	CardType              CardType
	ApplicationIdentifier []byte
}

// masterFiles is searched in order. gSMC-K and gSMC-KT share an AID, so a
// gSMC-KT is reported as gSMC-K.
var masterFiles = []MasterFile{
	{CardTypeEGK, []byte{0xD2, 0x76, 0x00, 0x01, 0x44, 0x80, 0x00}},
	{CardTypeHBA, []byte{0xD2, 0x76, 0x00, 0x01, 0x46, 0x01}},
	{CardTypeSMCB, []byte{0xD2, 0x76, 0x00, 0x01, 0x46, 0x06}},
	{CardTypeGSMCK, []byte{0xD2, 0x76, 0x00, 0x01, 0x44, 0x80, 0x03}},
	{CardTypeGSMCKT, []byte{0xD2, 0x76, 0x00, 0x01, 0x44, 0x80, 0x03}},
}

// LookupMasterFile returns the master file whose AID equals aid.
func LookupMasterFile(aid []byte) (MasterFile, bool) {
	for _, mf := range masterFiles {
		if bytes.Equal(aid, mf.ApplicationIdentifier) {
			return mf, true
		}
	}
	return MasterFile{}, false
}

type DedicatedFile struct {
	Name                  string
	ApplicationIdentifier []byte
}

type ElementaryFile struct {
	Name            string
	FileIdentifier  [2]byte
	ShortIdentifier byte
}

// PasswordReference addresses a PIN, PUK or CAN object.
type PasswordReference struct {
	Name       string
	ID         byte
	DFSpecific bool
}

// P2 is the reference byte used in VERIFY, CHANGE REFERENCE DATA and
// RESET RETRY COUNTER.
func (r PasswordReference) P2() byte {
	if r.DFSpecific {
		return r.ID | 0x80
	}
	return r.ID
}

// KeyReference addresses a private key for MANAGE SECURITY ENVIRONMENT.
type KeyReference struct {
	Name       string
	ID         byte
	DFSpecific bool
}

func (r KeyReference) Byte() byte {
	if r.DFSpecific {
		return r.ID | 0x80
	}
	return r.ID
}

// PIN_CH is the cardholder PIN of the eGK, located in the MF. Its PUK is
// addressed through the same reference.
var PIN_CH = PasswordReference{Name: "PIN.CH", ID: 0x01}

// CAN is the card access number used as PACE password.
var CAN = PasswordReference{Name: "CAN", ID: 0x02}

// DF_ESIGN holds the authentication key of the cardholder.
var DF_ESIGN = struct {
	DF               DedicatedFile
	EF_C_CH_AUT_E256 ElementaryFile
	PrK_CH_AUT_E256  KeyReference
}{
	DF:               DedicatedFile{"DF.ESIGN", []byte{0xA0, 0x00, 0x00, 0x01, 0x67, 0x45, 0x53, 0x49, 0x47, 0x4E}},
	EF_C_CH_AUT_E256: ElementaryFile{"EF.C.CH.AUT.E256", [2]byte{0xC5, 0x04}, 0x04},
	PrK_CH_AUT_E256:  KeyReference{Name: "PrK.CH.AUT.E256", ID: 0x04, DFSpecific: true},
}
