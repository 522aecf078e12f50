package idp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Scope selects the IdP scope of a flow.
type Scope string

const (
	ScopeDefault                 Scope = "Default"
	ScopeBiometricPairing        Scope = "BiometricPairing"
	ScopeExternalAuthentication  Scope = "ExternalAuthentication"
	// ScopeAlternateAuthentication marks the stored data of a paired device.
	ScopeAlternateAuthentication Scope = "AlternateAuthentication"
)

// Param is the value of the OAuth scope parameter.
func (s Scope) Param() string {
	if s == ScopeBiometricPairing {
		return "pairing openid"
	}
	return "openid e-rezept"
}

// SingleSignOnToken is the long lived token of a profile together with the
// data needed to renew it.
type SingleSignOnToken struct {
	Token                 string    `yaml:"token,omitempty"`
	Scope                 Scope     `yaml:"scope"`
	ValidOn               time.Time `yaml:"validOn,omitempty"`
	HealthCardCertificate Blob      `yaml:"healthCardCertificate,omitempty"`
	SecureElementAlias    Blob      `yaml:"secureElementAlias,omitempty"`
	AuthenticatorID       string    `yaml:"authenticatorId,omitempty"`
	AuthenticatorName     string    `yaml:"authenticatorName,omitempty"`
}

// Blob is stored as base64 text.
type Blob []byte

func (b Blob) MarshalYAML() (any, error) {
	return base64.StdEncoding.EncodeToString(b), nil
}

func (b *Blob) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = decoded
	return nil
}

// AuthData is everything stored for one profile.
type AuthData struct {
	SingleSignOnToken *SingleSignOnToken `yaml:"singleSignOnToken,omitempty"`
}

// Store persists tokens and the discovery document between runs.
type Store interface {
	LoadAuthData(profile string) (AuthData, error)
	SaveSingleSignOnToken(profile string, token SingleSignOnToken) error
	// InvalidateSingleSignOnToken drops the token but keeps its scope and
	// card data, so that the user can be asked to authenticate again.
	InvalidateSingleSignOnToken(profile string) error
	ClearAuthData(profile string) error

	// LoadConfiguration returns the cached raw discovery document, or ""
	// if none is cached.
	LoadConfiguration() (string, error)
	SaveConfiguration(raw string) error
	InvalidateConfiguration() error
}

type storeState struct {
	Configuration string              `yaml:"configuration,omitempty"`
	Profiles      map[string]AuthData `yaml:"profiles,omitempty"`
}

func (s *storeState) load(profile string) AuthData {
	data := s.Profiles[profile]
	if data.SingleSignOnToken != nil {
		t := *data.SingleSignOnToken
		data.SingleSignOnToken = &t
	}
	return data
}

func (s *storeState) saveToken(profile string, token SingleSignOnToken) {
	if s.Profiles == nil {
		s.Profiles = map[string]AuthData{}
	}
	s.Profiles[profile] = AuthData{SingleSignOnToken: &token}
}

func (s *storeState) invalidateToken(profile string) {
	data, ok := s.Profiles[profile]
	if !ok || data.SingleSignOnToken == nil {
		return
	}
	t := *data.SingleSignOnToken
	t.Token = ""
	t.ValidOn = time.Time{}
	s.Profiles[profile] = AuthData{SingleSignOnToken: &t}
}

// MemoryStore keeps everything in memory.
type MemoryStore struct {
	mu    sync.Mutex
	state storeState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadAuthData(profile string) (AuthData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.load(profile), nil
}

func (m *MemoryStore) SaveSingleSignOnToken(profile string, token SingleSignOnToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.saveToken(profile, token)
	return nil
}

func (m *MemoryStore) InvalidateSingleSignOnToken(profile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.invalidateToken(profile)
	return nil
}

func (m *MemoryStore) ClearAuthData(profile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.Profiles, profile)
	return nil
}

func (m *MemoryStore) LoadConfiguration() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Configuration, nil
}

func (m *MemoryStore) SaveConfiguration(raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Configuration = raw
	return nil
}

func (m *MemoryStore) InvalidateConfiguration() error {
	return m.SaveConfiguration("")
}

// FileStore keeps the store state in a YAML file. Every call reads and
// rewrites the whole file.
type FileStore struct {
	mu   sync.Mutex
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) read() (storeState, error) {
	var state storeState
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("reading store: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&state); err != nil && !errors.Is(err, io.EOF) {
		return state, fmt.Errorf("decoding store %s: %w", f.Path, err)
	}
	return state, nil
}

func (f *FileStore) write(state storeState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}
	return os.Rename(tmp, f.Path)
}

func (f *FileStore) update(fn func(*storeState)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.read()
	if err != nil {
		return err
	}
	fn(&state)
	return f.write(state)
}

func (f *FileStore) LoadAuthData(profile string) (AuthData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.read()
	if err != nil {
		return AuthData{}, err
	}
	return state.load(profile), nil
}

func (f *FileStore) SaveSingleSignOnToken(profile string, token SingleSignOnToken) error {
	return f.update(func(s *storeState) { s.saveToken(profile, token) })
}

func (f *FileStore) InvalidateSingleSignOnToken(profile string) error {
	return f.update(func(s *storeState) { s.invalidateToken(profile) })
}

func (f *FileStore) ClearAuthData(profile string) error {
	return f.update(func(s *storeState) { delete(s.Profiles, profile) })
}

func (f *FileStore) LoadConfiguration() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.read()
	if err != nil {
		return "", err
	}
	return state.Configuration, nil
}

func (f *FileStore) SaveConfiguration(raw string) error {
	return f.update(func(s *storeState) { s.Configuration = raw })
}

func (f *FileStore) InvalidateConfiguration() error {
	return f.SaveConfiguration("")
}
