package healthcard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// UnlockStateKind enumerates the states of a card unlock run.
type UnlockStateKind int

const (
	StateNone UnlockStateKind = iota
	StateFlowInitialized
	StateChannelReady
	StateTrustedChannelEstablished
	StateFinished
	StateRetriesLeft
	StateWrongReferenceData
	StateBlocked
	StateMemoryFailure
	StateSecurityStatusNotSatisfied
	StatePasswordNotFound
	StatePasswordNotUsable
	StateCommunicationInterrupted
)

var unlockStateNames = map[UnlockStateKind]string{
	StateNone:                       "None",
	StateFlowInitialized:            "FlowInitialized",
	StateChannelReady:               "ChannelReady",
	StateTrustedChannelEstablished:  "TrustedChannelEstablished",
	StateFinished:                   "Finished",
	StateRetriesLeft:                "RetriesLeft",
	StateWrongReferenceData:         "WrongReferenceData",
	StateBlocked:                    "Blocked",
	StateMemoryFailure:              "MemoryFailure",
	StateSecurityStatusNotSatisfied: "SecurityStatusNotSatisfied",
	StatePasswordNotFound:           "PasswordNotFound",
	StatePasswordNotUsable:          "PasswordNotUsable",
	StateCommunicationInterrupted:   "CommunicationInterrupted",
}

func (k UnlockStateKind) String() string {
	if name, ok := unlockStateNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UnlockStateKind(%d)", int(k))
}

// UnlockState is one state of the unlock flow. RetriesLeft is only set for
// StateRetriesLeft.
type UnlockState struct {
	Kind        UnlockStateKind
	RetriesLeft int
}

func (s UnlockState) String() string {
	if s.Kind == StateRetriesLeft {
		return fmt.Sprintf("RetriesLeft(%d)", s.RetriesLeft)
	}
	return s.Kind.String()
}

func (s UnlockState) IsInProgress() bool {
	return s.Kind == StateFlowInitialized || s.Kind == StateChannelReady || s.Kind == StateTrustedChannelEstablished
}

func (s UnlockState) IsTerminal() bool {
	return s.Kind >= StateFinished
}

func (s UnlockState) IsReady() bool {
	return s.Kind == StateFinished
}

func (s UnlockState) IsFailure() bool {
	return s.IsTerminal() && s.Kind != StateFinished
}

// UnlockMethod selects the card operation of an unlock run.
type UnlockMethod int

const (
	// ChangeReferenceData changes PIN.CH from the old to the new secret.
	ChangeReferenceData UnlockMethod = iota + 1
	// ResetRetryCounter resets the retry counter of PIN.CH with the PUK.
	ResetRetryCounter
	// ResetRetryCounterWithNewSecret resets the retry counter with the PUK
	// and sets a new PIN.
	ResetRetryCounterWithNewSecret
)

func (m UnlockMethod) String() string {
	switch m {
	case ChangeReferenceData:
		return "ChangeReferenceData"
	case ResetRetryCounter:
		return "ResetRetryCounter"
	case ResetRetryCounterWithNewSecret:
		return "ResetRetryCounterWithNewSecret"
	default:
		return fmt.Sprintf("UnlockMethod(%d)", int(m))
	}
}

var ErrUnknownUnlockMethod = errors.New("unknown unlock method")

func ParseUnlockMethod(s string) (UnlockMethod, error) {
	for _, m := range []UnlockMethod{ChangeReferenceData, ResetRetryCounter, ResetRetryCounterWithNewSecret} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownUnlockMethod, s)
}

// maxRetriesByMethod is the per method legality filter over the shared
// status word table.
var maxRetriesByMethod = map[UnlockMethod]int{
	ChangeReferenceData:            3,
	ResetRetryCounter:              9,
	ResetRetryCounterWithNewSecret: 9,
}

var statusOutcomes = map[StatusWord]UnlockState{
	SWSuccess:                    {Kind: StateFinished},
	SWAuthenticationFailure:      {Kind: StateWrongReferenceData},
	SWPasswordBlocked:            {Kind: StateBlocked},
	SWMemoryFailure:              {Kind: StateMemoryFailure},
	SWSecurityStatusNotSatisfied: {Kind: StateSecurityStatusNotSatisfied},
	SWPasswordNotFound:           {Kind: StatePasswordNotFound},
	SWPasswordNotUsable:          {Kind: StatePasswordNotUsable},
	SWWrongSecretWarningCount01:  {Kind: StateRetriesLeft, RetriesLeft: 1},
	SWWrongSecretWarningCount02:  {Kind: StateRetriesLeft, RetriesLeft: 2},
	SWWrongSecretWarningCount03:  {Kind: StateRetriesLeft, RetriesLeft: 3},
	SWWrongSecretWarningCount04:  {Kind: StateRetriesLeft, RetriesLeft: 4},
	SWWrongSecretWarningCount05:  {Kind: StateRetriesLeft, RetriesLeft: 5},
	SWWrongSecretWarningCount06:  {Kind: StateRetriesLeft, RetriesLeft: 6},
	SWWrongSecretWarningCount07:  {Kind: StateRetriesLeft, RetriesLeft: 7},
	SWWrongSecretWarningCount08:  {Kind: StateRetriesLeft, RetriesLeft: 8},
	SWWrongSecretWarningCount09:  {Kind: StateRetriesLeft, RetriesLeft: 9},
}

// MapStatusWord maps the answer to the unlock command to a terminal state.
// Unknown words and retry counts that the method cannot produce map to
// StateCommunicationInterrupted.
func MapStatusWord(method UnlockMethod, sw StatusWord) UnlockState {
	interrupted := UnlockState{Kind: StateCommunicationInterrupted}
	maxRetries, ok := maxRetriesByMethod[method]
	if !ok {
		return interrupted
	}
	state, ok := statusOutcomes[sw]
	if !ok {
		return interrupted
	}
	if state.Kind == StateRetriesLeft && state.RetriesLeft > maxRetries {
		return interrupted
	}
	return state
}

// MapError maps a failure of the unlock run to a terminal state.
func MapError(err error) UnlockState {
	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrAuthenticationFailed) && errors.As(err, &statusErr) && statusErr.SW != SWAuthenticationFailure:
		// the card refused PACE itself, e.g. with a blocked CAN
		return UnlockState{Kind: StateCommunicationInterrupted}
	case errors.Is(err, ErrAuthenticationFailed):
		return UnlockState{Kind: StateWrongReferenceData}
	default:
		return UnlockState{Kind: StateCommunicationInterrupted}
	}
}

// UnlockRequest carries the secrets of one run. Secrets the method does not
// use are ignored.
type UnlockRequest struct {
	Method    UnlockMethod
	CAN       string
	PUK       string
	OldSecret string
	NewSecret string
}

// command builds the plain command of the request.
func (r UnlockRequest) command() (CommandAPDU, error) {
	switch r.Method {
	case ChangeReferenceData:
		oldPIN, err := NewEncryptedPINFormat2(r.OldSecret)
		if err != nil {
			return CommandAPDU{}, fmt.Errorf("old secret: %w", err)
		}
		newPIN, err := NewEncryptedPINFormat2(r.NewSecret)
		if err != nil {
			return CommandAPDU{}, fmt.Errorf("new secret: %w", err)
		}
		return ChangeReferenceDataCommand(PIN_CH, oldPIN, newPIN)
	case ResetRetryCounter:
		puk, err := NewEncryptedPINFormat2(r.PUK)
		if err != nil {
			return CommandAPDU{}, fmt.Errorf("puk: %w", err)
		}
		return ResetRetryCounterCommand(PIN_CH, puk.Bytes(), nil)
	case ResetRetryCounterWithNewSecret:
		puk, err := NewEncryptedPINFormat2(r.PUK)
		if err != nil {
			return CommandAPDU{}, fmt.Errorf("puk: %w", err)
		}
		newPIN, err := NewEncryptedPINFormat2(r.NewSecret)
		if err != nil {
			return CommandAPDU{}, fmt.Errorf("new secret: %w", err)
		}
		return ResetRetryCounterCommand(PIN_CH, puk.Bytes(), newPIN.Bytes())
	default:
		return CommandAPDU{}, fmt.Errorf("%w: %v", ErrUnknownUnlockMethod, r.Method)
	}
}

// ChannelOpener acquires the card channel for one unlock run.
type ChannelOpener interface {
	OpenChannel(ctx context.Context) (Transport, error)
}

type ChannelOpenerFunc func(ctx context.Context) (Transport, error)

func (f ChannelOpenerFunc) OpenChannel(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// Unlocker runs PIN change and PUK based unlock sequences. It never retries;
// every terminal state is reported to the caller.
type Unlocker struct {
	Opener ChannelOpener
}

// Run executes req and reports every state to emit, which may be nil. It
// returns the terminal state. An error is only returned for requests that
// cannot be encoded; nothing is sent to the card in that case.
func (u *Unlocker) Run(ctx context.Context, req UnlockRequest, emit func(UnlockState)) (UnlockState, error) {
	cmd, err := req.command()
	if err != nil {
		return UnlockState{}, err
	}
	report := func(s UnlockState) UnlockState {
		slog.Info("Unlock state", "method", req.Method, "state", s.String())
		if emit != nil {
			emit(s)
		}
		return s
	}

	report(UnlockState{Kind: StateFlowInitialized})
	t, err := u.Opener.OpenChannel(ctx)
	if err != nil {
		slog.Warn("Opening card channel failed", "err", err)
		return report(UnlockState{Kind: StateCommunicationInterrupted}), nil
	}
	defer func() {
		if c, ok := t.(io.Closer); ok {
			_ = c.Close()
		}
	}()
	report(UnlockState{Kind: StateChannelReady})

	sm, err := EstablishSecureChannel(ctx, t, req.CAN)
	if err != nil {
		return report(MapError(err)), nil
	}
	defer sm.Close()
	report(UnlockState{Kind: StateTrustedChannelEstablished})

	resp, err := sm.Transmit(ctx, t, cmd)
	if err != nil {
		slog.Warn("Unlock command failed", "method", req.Method, "err", err)
		return report(MapError(err)), nil
	}
	return report(MapStatusWord(req.Method, resp.SW())), nil
}
