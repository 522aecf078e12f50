// Package pcsc connects to smart cards through PC/SC readers.
package pcsc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ebfe/scard"
)

var ErrClosed = errors.New("pcsc: card connection closed")

// Smartcard is a connection to the card in one reader. Transmit calls are
// serialized.
type Smartcard struct {
	mu     sync.Mutex
	ctx    *scard.Context
	card   *scard.Card
	Reader string
}

// Readers lists the names of the connected PC/SC readers.
func Readers() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establishing pcsc context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("listing readers: %w", err)
	}
	return readers, nil
}

// Open connects to the card in reader.
func Open(reader string) (*Smartcard, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establishing pcsc context: %w", err)
	}

	card, err := ctx.Connect(reader, scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("connecting to %q: %w", reader, err)
	}

	return &Smartcard{ctx: ctx, card: card, Reader: reader}, nil
}

// Transmit sends apdu and returns the response including the status word.
// PC/SC calls cannot be interrupted, so ctx is only checked before sending.
func (s *Smartcard) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card == nil {
		return nil, ErrClosed
	}
	return s.card.Transmit(apdu)
}

// Close disconnects the card, resetting it, and releases the context.
func (s *Smartcard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.card != nil {
		errs = append(errs, s.card.Disconnect(scard.ResetCard))
		s.card = nil
	}
	if s.ctx != nil {
		errs = append(errs, s.ctx.Release())
		s.ctx = nil
	}
	return errors.Join(errs...)
}
