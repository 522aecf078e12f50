// Package cli implements the egk command.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/spilikin/healthcard"
	"github.com/spilikin/healthcard/curves"
	"github.com/spilikin/healthcard/idp"
	"github.com/spilikin/healthcard/internal/config"
	"github.com/spilikin/healthcard/pcsc"
)

// Env is everything the commands touch outside of the process.
type Env struct {
	Out        io.Writer
	Err        io.Writer
	// Secret reads a CAN, PIN or PUK. Terminal input is not echoed.
	Secret     func(prompt string) (string, error)
	// Line reads one line of plain input.
	Line       func(prompt string) (string, error)
	Readers    func() ([]string, error)
	// Connect opens the card channel of reader.
	Connect    func(ctx context.Context, reader string) (healthcard.Transport, error)
	// HTTPClient overrides the client built from the configured timeout.
	HTTPClient *http.Client
}

// DefaultEnv talks to the terminal and to PC/SC.
func DefaultEnv() *Env {
	in := bufio.NewReader(os.Stdin)
	line := func(prompt string) (string, error) {
		fmt.Fprint(os.Stderr, prompt)
		s, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && s != "") {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	return &Env{
		Out: os.Stdout,
		Err: os.Stderr,
		Secret: func(prompt string) (string, error) {
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return line(prompt)
			}
			fmt.Fprint(os.Stderr, prompt)
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		Line:    line,
		Readers: pcsc.Readers,
		Connect: func(_ context.Context, reader string) (healthcard.Transport, error) {
			sc, err := pcsc.Open(reader)
			if err != nil {
				return nil, err
			}
			return sc, nil
		},
	}
}

type app struct {
	env *Env
	cfg *config.Config

	configPath string
	reader     string
	can        string
	profile    string
	logLevel   string
}

func defaultConfigPath() string {
	if p := os.Getenv("EGK_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "egk.yaml"
	}
	return filepath.Join(dir, "healthcard", "egk.yaml")
}

func New(version string) *cobra.Command {
	return NewWithEnv(version, DefaultEnv())
}

func NewWithEnv(version string, env *Env) (root *cobra.Command) {
	a := &app{env: env}

	root = &cobra.Command{
		Use:           "egk",
		Short:         "electronic health card and gematik IdP tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(env.Out)
	root.SetErr(env.Err)
	root.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", defaultConfigPath(), "path to config file")
	flags.StringVarP(&a.reader, "reader", "r", "", "PC/SC reader name (default: config or first reader)")
	flags.StringVar(&a.can, "can", "", "card access number")
	flags.StringVarP(&a.profile, "profile", "p", "", "IdP profile name")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(cmd.Root().Version)
		},
	})
	root.AddCommand(a.readersCommand(), a.readCertCommand(), a.changePINCommand(), a.unlockCommand())
	root.AddCommand(a.loginCommand(), a.refreshCommand(), a.logoutCommand(), a.pairingCommand())
	return root
}

// setup loads the config file and applies the flags on top of it.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, !cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if a.reader != "" {
		cfg.Card.Reader = a.reader
	}
	if a.can != "" {
		cfg.Card.CAN = a.can
	}
	if a.profile != "" {
		cfg.Store.Profile = a.profile
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(a.env.Err, &slog.HandlerOptions{Level: level})))
	if err := curves.Register(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) engine() *idp.Engine {
	client := a.env.HTTPClient
	if client == nil {
		client = idp.NewHTTPClient(a.cfg.IdP.HTTPTimeout)
	}
	return &idp.Engine{
		DiscoveryURL:        a.cfg.IdP.DiscoveryURL,
		ClientID:            a.cfg.IdP.ClientID,
		RedirectURI:         a.cfg.IdP.RedirectURI,
		ExternalRedirectURI: a.cfg.IdP.ExternalRedirectURI,
		UserAgent:           a.cfg.IdP.UserAgent,
		Store:               idp.NewFileStore(a.cfg.Store.Path),
		HTTPClient:          client,
	}
}

func (a *app) secret(prompt string, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	s, err := a.env.Secret(prompt)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(prompt, ": "), err)
	}
	return s, nil
}

// newSecret asks twice for a new PIN.
func (a *app) newSecret(prompt string) (string, error) {
	first, err := a.secret(prompt+": ", "")
	if err != nil {
		return "", err
	}
	second, err := a.secret("Repeat "+strings.ToLower(prompt[:1])+prompt[1:]+": ", "")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("entries do not match")
	}
	return first, nil
}
