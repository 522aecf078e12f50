package cli

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/spilikin/healthcard"
)

var ErrNoReader = errors.New("no card reader found")

func (a *app) resolveReader() (string, error) {
	if a.cfg.Card.Reader != "" {
		return a.cfg.Card.Reader, nil
	}
	readers, err := a.env.Readers()
	if err != nil {
		return "", err
	}
	if len(readers) == 0 {
		return "", ErrNoReader
	}
	return readers[0], nil
}

func (a *app) connect(ctx context.Context) (healthcard.Transport, error) {
	reader, err := a.resolveReader()
	if err != nil {
		return nil, err
	}
	return a.env.Connect(ctx, reader)
}

// openSecured connects to the card and establishes PACE with the CAN.
func (a *app) openSecured(ctx context.Context) (*healthcard.Card, error) {
	can, err := a.secret("CAN: ", a.cfg.Card.CAN)
	if err != nil {
		return nil, err
	}
	t, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	card, err := healthcard.NewCard(ctx, t)
	if err != nil {
		if c, ok := t.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	if err := card.EstablishSecureChannel(ctx, can); err != nil {
		_ = card.Close()
		return nil, err
	}
	return card, nil
}

func readAuthCertificate(ctx context.Context, card *healthcard.Card) (*x509.Certificate, []byte, error) {
	if err := card.SelectDF(ctx, healthcard.DF_ESIGN.DF); err != nil {
		return nil, nil, err
	}
	return card.ReadCertificate(ctx, healthcard.DF_ESIGN.EF_C_CH_AUT_E256)
}

// verifyPIN prompts for PIN.CH and verifies it.
func (a *app) verifyPIN(ctx context.Context, card *healthcard.Card) error {
	pin, err := a.secret("PIN: ", "")
	if err != nil {
		return err
	}
	sw, err := card.VerifyPIN(ctx, pin)
	if err != nil {
		return err
	}
	if sw != healthcard.SWSuccess {
		state := healthcard.MapStatusWord(healthcard.ChangeReferenceData, sw)
		return fmt.Errorf("verify PIN: %s", state)
	}
	return nil
}

func (a *app) readersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "list PC/SC readers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			readers, err := a.env.Readers()
			if err != nil {
				return err
			}
			if len(readers) == 0 {
				return ErrNoReader
			}
			for _, r := range readers {
				cmd.Println(r)
			}
			return nil
		},
	}
}

func (a *app) readCertCommand() *cobra.Command {
	var asPEM bool
	cmd := &cobra.Command{
		Use:   "read-cert",
		Short: "read the authentication certificate of the card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			card, err := a.openSecured(ctx)
			if err != nil {
				return err
			}
			defer card.Close()

			cert, der, err := readAuthCertificate(ctx, card)
			if err != nil {
				return err
			}
			if asPEM {
				return pem.Encode(cmd.OutOrStdout(), &pem.Block{Type: "CERTIFICATE", Bytes: der})
			}
			cmd.Printf("Subject:    %s\n", cert.Subject)
			cmd.Printf("Issuer:     %s\n", cert.Issuer)
			cmd.Printf("Serial:     %X\n", cert.SerialNumber)
			cmd.Printf("Not before: %s\n", cert.NotBefore.UTC().Format("2006-01-02"))
			cmd.Printf("Not after:  %s\n", cert.NotAfter.UTC().Format("2006-01-02"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asPEM, "pem", false, "print the certificate as PEM")
	return cmd
}

// runUnlock runs req and prints the final state. Failure states are returned
// as an error so the exit code reflects them.
func (a *app) runUnlock(cmd *cobra.Command, req healthcard.UnlockRequest) error {
	u := &healthcard.Unlocker{Opener: healthcard.ChannelOpenerFunc(a.connect)}
	final, err := u.Run(cmd.Context(), req, func(s healthcard.UnlockState) {
		if s.IsInProgress() {
			slog.Debug("Unlock", "state", s.String())
		}
	})
	if err != nil {
		return err
	}
	if final.IsFailure() {
		return fmt.Errorf("%s: %s", req.Method, final)
	}
	cmd.Println(final)
	return nil
}

func (a *app) changePINCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "change-pin",
		Short: "change PIN.CH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			can, err := a.secret("CAN: ", a.cfg.Card.CAN)
			if err != nil {
				return err
			}
			old, err := a.secret("PIN: ", "")
			if err != nil {
				return err
			}
			newPIN, err := a.newSecret("New PIN")
			if err != nil {
				return err
			}
			return a.runUnlock(cmd, healthcard.UnlockRequest{
				Method:    healthcard.ChangeReferenceData,
				CAN:       can,
				OldSecret: old,
				NewSecret: newPIN,
			})
		},
	}
}

func (a *app) unlockCommand() *cobra.Command {
	var setPIN bool
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "reset the retry counter of PIN.CH with the PUK",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			can, err := a.secret("CAN: ", a.cfg.Card.CAN)
			if err != nil {
				return err
			}
			puk, err := a.secret("PUK: ", "")
			if err != nil {
				return err
			}
			req := healthcard.UnlockRequest{Method: healthcard.ResetRetryCounter, CAN: can, PUK: puk}
			if setPIN {
				if req.NewSecret, err = a.newSecret("New PIN"); err != nil {
					return err
				}
				req.Method = healthcard.ResetRetryCounterWithNewSecret
			}
			return a.runUnlock(cmd, req)
		},
	}
	cmd.Flags().BoolVar(&setPIN, "new-pin", false, "set a new PIN while unlocking")
	return cmd
}
