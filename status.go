package healthcard

import "fmt"

// StatusWord is the two byte trailer of a response APDU.
type StatusWord uint16

// Status words of the gematik COS used by this package.
const (
	SWSuccess                    StatusWord = 0x9000
	SWEndOfFileWarning           StatusWord = 0x6282
	SWAuthenticationFailure      StatusWord = 0x6300
	SWWrongSecretWarningCount01  StatusWord = 0x63C1
	SWWrongSecretWarningCount02  StatusWord = 0x63C2
	SWWrongSecretWarningCount03  StatusWord = 0x63C3
	SWWrongSecretWarningCount04  StatusWord = 0x63C4
	SWWrongSecretWarningCount05  StatusWord = 0x63C5
	SWWrongSecretWarningCount06  StatusWord = 0x63C6
	SWWrongSecretWarningCount07  StatusWord = 0x63C7
	SWWrongSecretWarningCount08  StatusWord = 0x63C8
	SWWrongSecretWarningCount09  StatusWord = 0x63C9
	SWMemoryFailure              StatusWord = 0x6581
	SWWrongLength                StatusWord = 0x6700
	SWSecurityStatusNotSatisfied StatusWord = 0x6982
	SWPasswordBlocked            StatusWord = 0x6983
	SWPasswordNotUsable          StatusWord = 0x6984
	SWConditionsNotSatisfied     StatusWord = 0x6985
	SWWrongData                  StatusWord = 0x6A80
	SWFileNotFound               StatusWord = 0x6A82
	SWWrongP1P2                  StatusWord = 0x6A86
	SWPasswordNotFound           StatusWord = 0x6A88
	SWInstructionNotSupported    StatusWord = 0x6D00
	SWClassNotSupported          StatusWord = 0x6E00
)

// RetryCounter reports the remaining attempts carried by a 63Cx warning.
func (sw StatusWord) RetryCounter() (int, bool) {
	if sw&0xFFF0 != 0x63C0 {
		return 0, false
	}
	return int(sw & 0x000F), true
}

func (sw StatusWord) String() string {
	return fmt.Sprintf("%04X", uint16(sw))
}

func (sw StatusWord) Description() string {
	if n, ok := sw.RetryCounter(); ok {
		return fmt.Sprintf("wrong secret, %d retries left", n)
	}
	switch sw {
	case SWSuccess:
		return "success"
	case SWEndOfFileWarning:
		return "end of file reached"
	case SWAuthenticationFailure:
		return "authentication failure"
	case SWMemoryFailure:
		return "memory failure"
	case SWWrongLength:
		return "wrong length"
	case SWSecurityStatusNotSatisfied:
		return "security status not satisfied"
	case SWPasswordBlocked:
		return "password blocked"
	case SWPasswordNotUsable:
		return "password not usable"
	case SWConditionsNotSatisfied:
		return "conditions of use not satisfied"
	case SWWrongData:
		return "wrong data"
	case SWFileNotFound:
		return "file not found"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWPasswordNotFound:
		return "password not found"
	case SWInstructionNotSupported:
		return "instruction not supported"
	case SWClassNotSupported:
		return "class not supported"
	default:
		return "unknown status"
	}
}

// StatusError is returned when the card answers a command with a status
// word other than 9000.
type StatusError struct {
	Command string
	SW      StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with SW=%s (%s)", e.Command, e.SW, e.SW.Description())
}

// checkStatus turns a non-success response into a *StatusError.
func checkStatus(command string, resp ResponseAPDU) error {
	if resp.SW() != SWSuccess {
		return &StatusError{Command: command, SW: resp.SW()}
	}
	return nil
}
