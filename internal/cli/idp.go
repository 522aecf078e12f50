package cli

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spilikin/healthcard"
	"github.com/spilikin/healthcard/idp"
)

const secureElementPEMType = "EC PRIVATE KEY"

// scopes maps the --scope flag values.
var scopes = map[string]idp.Scope{
	"default": idp.ScopeDefault,
	"pairing": idp.ScopeBiometricPairing,
}

func parseScope(s string) (idp.Scope, error) {
	scope, ok := scopes[strings.ToLower(s)]
	if !ok {
		return "", fmt.Errorf("unknown scope %q", s)
	}
	return scope, nil
}

func (a *app) printToken(cmd *cobra.Command, token idp.AccessToken, full bool) {
	cmd.Printf("Access token valid until %s\n", token.ExpiresOn.Local().Format(time.RFC3339))
	if full {
		cmd.Println(token.Token)
	}
}

// withCard opens the card, reads the authentication certificate and
// verifies the PIN before calling fn.
func (a *app) withCard(ctx context.Context, fn func(card *healthcard.Card, cert []byte) error) error {
	card, err := a.openSecured(ctx)
	if err != nil {
		return err
	}
	defer card.Close()

	_, der, err := readAuthCertificate(ctx, card)
	if err != nil {
		return err
	}
	if err := a.verifyPIN(ctx, card); err != nil {
		return err
	}
	return fn(card, der)
}

func (a *app) loginCommand() *cobra.Command {
	var (
		scopeName  string
		external   string
		alternate  bool
		printToken bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "authenticate with the IdP",
		Long: "Authenticates with the health card by default. --external starts the\n" +
			"authentication with the app of a health insurance, --alternate uses the\n" +
			"key of a paired device.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			scope, err := parseScope(scopeName)
			if err != nil {
				return err
			}
			if external != "" && alternate {
				return errors.New("--external and --alternate are mutually exclusive")
			}
			engine := a.engine()
			profile := a.cfg.Store.Profile

			var token idp.AccessToken
			switch {
			case external != "":
				token, err = a.loginExternal(ctx, engine, external, scope)
			case alternate:
				var se *idp.SecureElement
				if se, err = a.loadSecureElement(); err != nil {
					return err
				}
				token, err = engine.AlternateAuthentication(ctx, profile, se, deviceInformation(""), idp.MethodsDeviceCredentials)
			default:
				err = a.withCard(ctx, func(card *healthcard.Card, cert []byte) error {
					token, err = engine.Authenticate(ctx, profile, scope, cert, card)
					return err
				})
			}
			if err != nil {
				return err
			}
			a.printToken(cmd, token, printToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeName, "scope", "default", "scope of the authentication (default, pairing)")
	cmd.Flags().StringVar(&external, "external", "", "authenticator id of the health insurance app")
	cmd.Flags().BoolVar(&alternate, "alternate", false, "authenticate with the paired device key")
	cmd.Flags().BoolVar(&printToken, "print-token", false, "print the access token")
	return cmd
}

func (a *app) loginExternal(ctx context.Context, engine *idp.Engine, authenticatorID string, scope idp.Scope) (idp.AccessToken, error) {
	pending, err := engine.StartExternalAuthentication(ctx, a.cfg.Store.Profile, authenticatorID, scope)
	if err != nil {
		return idp.AccessToken{}, err
	}
	fmt.Fprintf(a.env.Err, "Open in the insurance app:\n%s\n", pending.RedirectURL)
	link, err := a.env.Line("Universal link: ")
	if err != nil {
		return idp.AccessToken{}, err
	}
	return engine.CompleteExternalAuthentication(ctx, pending, link)
}

func (a *app) refreshCommand() *cobra.Command {
	var printToken bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "get a new access token with the stored SSO token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.engine().LoadAccessToken(cmd.Context(), a.cfg.Store.Profile, true)
			if err != nil {
				var ie *idp.Error
				if errors.As(err, &ie) && ie.UserActionRequired {
					return fmt.Errorf("%w (run egk login)", err)
				}
				return err
			}
			a.printToken(cmd, token, printToken)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printToken, "print-token", false, "print the access token")
	return cmd
}

func (a *app) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "forget the stored tokens of the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine().Logout(a.cfg.Store.Profile); err != nil {
				return err
			}
			if err := os.Remove(a.secureElementPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			cmd.Printf("Logged out %s\n", a.cfg.Store.Profile)
			return nil
		},
	}
}

func deviceInformation(name string) idp.DeviceInformation {
	if name == "" {
		name, _ = os.Hostname()
	}
	return idp.DeviceInformation{
		Name: name,
		DeviceType: idp.DeviceType{
			Product:         "egk",
			Model:           runtime.GOARCH,
			OperatingSystem: runtime.GOOS,
		},
	}
}

// secureElementPath is the key file of the paired device, next to the store.
func (a *app) secureElementPath() string {
	dir := filepath.Dir(a.cfg.Store.Path)
	return filepath.Join(dir, a.cfg.Store.Profile+".se.pem")
}

func (a *app) saveSecureElement(se *idp.SecureElement) error {
	der, err := se.MarshalPrivateKey()
	if err != nil {
		return err
	}
	block := &pem.Block{
		Type:    secureElementPEMType,
		Headers: map[string]string{"Alias": base64.StdEncoding.EncodeToString(se.Alias)},
		Bytes:   der,
	}
	path := a.secureElementPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

func (a *app) loadSecureElement() (*idp.SecureElement, error) {
	raw, err := os.ReadFile(a.secureElementPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("profile %s is not paired (run egk pairing add)", a.cfg.Store.Profile)
		}
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != secureElementPEMType {
		return nil, errors.New("secure element key file is malformed")
	}
	alias, err := base64.StdEncoding.DecodeString(block.Headers["Alias"])
	if err != nil {
		return nil, fmt.Errorf("secure element alias: %w", err)
	}
	return idp.LoadSecureElement(alias, block.Bytes)
}

func (a *app) pairingCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pairing",
		Short: "manage devices paired with the health card",
	}

	var deviceName string
	add := &cobra.Command{
		Use:   "add",
		Short: "pair this device with the health card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			se, err := idp.NewSecureElement()
			if err != nil {
				return err
			}
			engine := a.engine()
			return a.withCard(ctx, func(card *healthcard.Card, cert []byte) error {
				result, err := engine.PairDevice(ctx, a.cfg.Store.Profile, cert, card, se, deviceInformation(deviceName))
				if err != nil {
					return err
				}
				if err := a.saveSecureElement(se); err != nil {
					return err
				}
				cmd.Printf("Paired %s\n", result.Entry.Name)
				return nil
			})
		},
	}
	add.Flags().StringVar(&deviceName, "name", "", "device name (default: host name)")

	list := &cobra.Command{
		Use:   "list",
		Short: "list the paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPairingToken(cmd.Context(), func(engine *idp.Engine, token string) error {
				entries, err := engine.ListPairings(cmd.Context(), token)
				if err != nil {
					return err
				}
				for _, e := range entries {
					alias := "?"
					if data, err := e.PairingData(); err == nil {
						alias = data.KeyIdentifier
					}
					cmd.Printf("%s\t%s\t%s\n", alias, e.Name, time.Unix(e.CreationTime, 0).UTC().Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete ALIAS",
		Short: "remove a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPairingToken(cmd.Context(), func(engine *idp.Engine, token string) error {
				if err := engine.DeletePairing(cmd.Context(), token, args[0]); err != nil {
					return err
				}
				cmd.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}

	root.AddCommand(add, list, del)
	return root
}

// withPairingToken authenticates with the card in the pairing scope. The
// tokens are kept in memory so the SSO token of the profile is not replaced.
func (a *app) withPairingToken(ctx context.Context, fn func(engine *idp.Engine, token string) error) error {
	engine := a.engine()
	engine.Store = idp.NewMemoryStore()
	return a.withCard(ctx, func(card *healthcard.Card, cert []byte) error {
		token, err := engine.Authenticate(ctx, a.cfg.Store.Profile, idp.ScopeBiometricPairing, cert, card)
		if err != nil {
			return err
		}
		return fn(engine, token.Token)
	})
}
