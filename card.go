package healthcard

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spilikin/healthcard/curves"
	"github.com/spilikin/healthcard/pcsc"
)

// Transport exchanges raw APDUs with a card. Only one exchange may be in
// flight per transport; serializing callers is the transport's concern.
type Transport interface {
	Transmit(ctx context.Context, apdu []byte) ([]byte, error)
}

var (
	// ErrTransportInterrupted wraps every failure of the underlying channel.
	ErrTransportInterrupted = errors.New("card communication interrupted")
	// ErrTagLost is returned by contactless transports when the card left
	// the field.
	ErrTagLost = errors.New("tag lost")
)

// transceive sends one command and decodes the response.
func transceive(ctx context.Context, t Transport, cmd CommandAPDU) (ResponseAPDU, error) {
	if err := ctx.Err(); err != nil {
		return ResponseAPDU{}, fmt.Errorf("%w: %w", ErrTransportInterrupted, err)
	}
	slog.Debug("Transmit", "apdu", prettyHex(cmd.raw))
	raw, err := t.Transmit(ctx, cmd.Bytes())
	if err != nil {
		return ResponseAPDU{}, fmt.Errorf("%w: %w", ErrTransportInterrupted, err)
	}
	resp, err := DecodeResponse(raw)
	if err != nil {
		return ResponseAPDU{}, fmt.Errorf("%w: %w", ErrTransportInterrupted, err)
	}
	slog.Debug("Response", "resp", prettyHex(raw))
	return resp, nil
}

type Card struct {
	sc Transport
	sm *SecureMessaging
	MF *MasterFile
}

var Readers = pcsc.Readers

func Open(ctx context.Context, reader string) (*Card, error) {
	sc, err := pcsc.Open(reader)
	if err != nil {
		return nil, fmt.Errorf("opening pcsc reader: %w", err)
	}

	card, err := NewCard(ctx, sc)
	if err != nil {
		_ = sc.Close()
		return nil, err
	}
	return card, nil
}

// NewCard selects the MF on t and identifies the card type by the AID in
// its FCP.
func NewCard(ctx context.Context, t Transport) (*Card, error) {
	cmdSelectMF, err := SelectRootCommand()
	if err != nil {
		return nil, err
	}
	slog.Info("Select MF", "cmd", prettyHex(cmdSelectMF.Bytes()))
	resp, err := transceive(ctx, t, cmdSelectMF)
	if err != nil {
		return nil, fmt.Errorf("transmitting select MF command: %w", err)
	}
	if err := checkStatus("SELECT MF", resp); err != nil {
		return nil, err
	}

	slog.Info("Response", "resp", prettyHex(resp.Bytes()))

	tlvs, err := ParseTLV(resp.Data())
	if err != nil {
		return nil, fmt.Errorf("parsing select MF response: %w", err)
	}

	aidTlv := tlvs.FindFirstWithTag(DO_FCP).FirstChild(DO_AID)
	if aidTlv == nil {
		return nil, fmt.Errorf("no AID tag found")
	}

	masterFile, ok := LookupMasterFile(aidTlv.Value)
	if !ok {
		return nil, fmt.Errorf("unknown application identifier: %s", prettyHex(aidTlv.Value))
	}

	return &Card{sc: t, MF: &masterFile}, nil
}

// Close tears down secure messaging and closes the transport if it can be
// closed.
func (c *Card) Close() error {
	if c.sm != nil {
		c.sm.Close()
		c.sm = nil
	}
	if closer, ok := c.sc.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// EstablishSecureChannel runs PACE with the card access number. All later
// commands of this card are sent through secure messaging.
func (c *Card) EstablishSecureChannel(ctx context.Context, can string) error {
	if c.sm != nil {
		c.sm.Close()
		c.sm = nil
	}
	sm, err := EstablishSecureChannel(ctx, c.sc, can)
	if err != nil {
		return err
	}
	c.sm = sm
	return nil
}

func (c *Card) Secured() bool {
	return c.sm != nil && !c.sm.Closed()
}

// Transmit sends cmd, through secure messaging once it is established.
func (c *Card) Transmit(ctx context.Context, cmd CommandAPDU) (ResponseAPDU, error) {
	if c.sm == nil {
		return transceive(ctx, c.sc, cmd)
	}
	resp, err := c.sm.Transmit(ctx, c.sc, cmd)
	if c.sm.Closed() {
		c.sm = nil
	}
	return resp, err
}

func (c *Card) SelectDF(ctx context.Context, df DedicatedFile) error {
	apdu, err := SelectCommand(df.ApplicationIdentifier, false)
	if err != nil {
		return err
	}
	slog.Info("Select DF", "df", df.Name, "apdu", prettyHex(apdu.Bytes()))
	resp, err := c.Transmit(ctx, apdu)
	if err != nil {
		return fmt.Errorf("transmitting select DF command: %w", err)
	}

	slog.Info("Response", "resp", prettyHex(resp.Bytes()))

	return checkStatus("SELECT "+df.Name, resp)
}

func (c *Card) ReadTransparentEF(ctx context.Context, ef ElementaryFile) ([]byte, error) {
	apdu, err := ReadBinarySFICommand(ef, 0)
	if err != nil {
		return nil, err
	}
	slog.Info("Read EF", "ef", ef.Name, "apdu", prettyHex(apdu.Bytes()))
	resp, err := c.Transmit(ctx, apdu)
	if err != nil {
		return nil, err
	}
	if resp.SW() != SWSuccess && resp.SW() != SWEndOfFileWarning {
		return nil, &StatusError{Command: "READ BINARY " + ef.Name, SW: resp.SW()}
	}

	return resp.Data(), nil
}

// ReadCertificate reads a certificate EF and returns the parsed certificate
// together with its DER encoding.
func (c *Card) ReadCertificate(ctx context.Context, ef ElementaryFile) (*x509.Certificate, []byte, error) {
	certBytes, err := c.ReadTransparentEF(ctx, ef)
	if err != nil {
		return nil, nil, err
	}

	cert, err := curves.ParseCertificate(certBytes)
	if err != nil {
		return nil, nil, err
	}

	return cert, certBytes, nil
}

// VerifyPIN sends VERIFY for PIN.CH and returns the card's status word.
// Transport and secure messaging failures are returned as errors.
func (c *Card) VerifyPIN(ctx context.Context, pin string) (StatusWord, error) {
	block, err := NewEncryptedPINFormat2(pin)
	if err != nil {
		return 0, err
	}
	cmd, err := VerifyCommand(PIN_CH, block)
	if err != nil {
		return 0, err
	}
	slog.Info("Verify PIN", "ref", PIN_CH.Name)
	resp, err := c.Transmit(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return resp.SW(), nil
}

// Sign creates an ECDSA signature over hash with PrK.CH.AUT.E256 and
// returns it as r || s. The PIN must have been verified.
func (c *Card) Sign(ctx context.Context, hash []byte) ([]byte, error) {
	if err := c.SelectDF(ctx, DF_ESIGN.DF); err != nil {
		return nil, err
	}
	mse, err := ManageSecurityEnvironmentSigningCommand(DF_ESIGN.PrK_CH_AUT_E256, AlgorithmSignECDSA)
	if err != nil {
		return nil, err
	}
	resp, err := c.Transmit(ctx, mse)
	if err != nil {
		return nil, err
	}
	if err := checkStatus("MSE:Set DST", resp); err != nil {
		return nil, err
	}

	pso, err := PSOComputeDigitalSignatureCommand(hash)
	if err != nil {
		return nil, err
	}
	slog.Info("Compute digital signature", "key", DF_ESIGN.PrK_CH_AUT_E256.Name)
	resp, err = c.Transmit(ctx, pso)
	if err != nil {
		return nil, err
	}
	if err := checkStatus("PSO COMPUTE DIGITAL SIGNATURE", resp); err != nil {
		return nil, err
	}
	return resp.Data(), nil
}
