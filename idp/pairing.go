package idp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/spilikin/healthcard/curves"
	"github.com/spilikin/healthcard/jose"
)

const (
	pairingDataVersion        = "1.0"
	authenticationDataVersion = "1.0"
)

// Authentication methods reported with a secure element signature.
var (
	MethodsStrong            = []string{"mfa", "hwk", "generic-biometric"}
	MethodsDeviceCredentials = []string{"mfa", "hwk", "kba"}
)

type DeviceType struct {
	Product                string `json:"product"`
	Model                  string `json:"model"`
	OperatingSystem        string `json:"os"`
	OperatingSystemVersion string `json:"os_version"`
	Manufacturer           string `json:"manufacturer"`
}

type DeviceInformation struct {
	Name       string     `json:"name"`
	DeviceType DeviceType `json:"device_type"`
}

// PairingData is signed by the health card and registered with the IdP.
type PairingData struct {
	Version                      string `json:"pairing_data_version"`
	SecureElementPublicKeyInfo   string `json:"se_subject_public_key_info"`
	KeyIdentifier                string `json:"key_identifier"`
	Product                      string `json:"product"`
	SerialNumber                 string `json:"serialnumber"`
	Issuer                       string `json:"issuer"`
	NotAfter                     int64  `json:"not_after"`
	AuthCertificatePublicKeyInfo string `json:"auth_cert_subject_public_key_info"`
}

type registrationData struct {
	SignedPairingData string            `json:"signed_pairing_data"`
	AuthCertificate   string            `json:"auth_cert"`
	DeviceInformation DeviceInformation `json:"device_information"`
}

type authenticationData struct {
	Version           string            `json:"authentication_data_version"`
	Challenge         string            `json:"challenge_token"`
	AuthCertificate   string            `json:"auth_cert"`
	KeyIdentifier     string            `json:"key_identifier"`
	DeviceInformation DeviceInformation `json:"device_information"`
	Methods           []string          `json:"amr"`
}

// PairingEntry is one registered device as listed by the IdP.
type PairingEntry struct {
	Name              string `json:"name"`
	CreationTime      int64  `json:"creation_time"`
	SignedPairingData string `json:"signed_pairing_data"`
	Version           string `json:"pairing_entry_version"`
}

// PairingData decodes the signed pairing data without verifying it; the
// IdP checked it on registration.
func (p PairingEntry) PairingData() (PairingData, error) {
	var data PairingData
	signed, err := jose.ParseSigned(p.SignedPairingData)
	if err != nil {
		return data, err
	}
	err = signed.Claims(&data)
	return data, err
}

// PairingResult is returned by PairDevice.
type PairingResult struct {
	Entry PairingEntry
	// AccessToken is the pairing scope token of the card authentication.
	AccessToken AccessToken
}

// PairDevice authenticates with the health card in the pairing scope and
// registers the secure element key. On success the card certificate and the
// key alias are stored for AlternateAuthentication.
func (e *Engine) PairDevice(ctx context.Context, profile string, cardCert []byte, card Signer, se *SecureElement, device DeviceInformation) (*PairingResult, error) {
	init, err := e.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return nil, err
	}
	challenge, err := e.ChallengeFlow(ctx, init, ScopeBiometricPairing, e.RedirectURI)
	if err != nil {
		return nil, err
	}
	basic, err := e.BasicAuthFlow(ctx, init, challenge, cardCert, card)
	if err != nil {
		return nil, err
	}

	entry, err := e.registerDevice(ctx, init, basic.AccessToken.Token, cardCert, card, se, device)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SaveSingleSignOnToken(profile, SingleSignOnToken{
		Scope:                 ScopeAlternateAuthentication,
		ValidOn:               e.now(),
		HealthCardCertificate: cardCert,
		SecureElementAlias:    se.Alias,
	}); err != nil {
		return nil, err
	}
	slog.Info("Paired device", "profile", profile, "device", device.Name)
	return &PairingResult{Entry: *entry, AccessToken: basic.AccessToken}, nil
}

func (e *Engine) registerDevice(ctx context.Context, init *InitialData, accessToken string, cardCert []byte, card Signer, se *SecureElement, device DeviceInformation) (*PairingEntry, error) {
	cert, _, err := certificateKey(cardCert)
	if err != nil {
		return nil, newError(KindInvalidCertificate, "pairing", err)
	}
	alg, err := certificateAlgorithm(cardCert)
	if err != nil {
		return nil, newError(KindInvalidCertificate, "pairing", err)
	}
	seInfo, err := curves.MarshalPublicKeyInfo(se.PublicKey())
	if err != nil {
		return nil, newError(KindSigning, "pairing", err)
	}

	b64 := base64.RawURLEncoding
	pairing, err := json.Marshal(PairingData{
		Version:                      pairingDataVersion,
		SecureElementPublicKeyInfo:   b64.EncodeToString(seInfo),
		KeyIdentifier:                b64.EncodeToString(se.Alias),
		Product:                      device.DeviceType.Product,
		SerialNumber:                 cert.SerialNumber.String(),
		Issuer:                       b64.EncodeToString(cert.RawIssuer),
		NotAfter:                     cert.NotAfter.Unix(),
		AuthCertificatePublicKeyInfo: b64.EncodeToString(cert.RawSubjectPublicKeyInfo),
	})
	if err != nil {
		return nil, err
	}
	signedPairing, err := jose.Sign(jose.Header{Alg: alg, Typ: jose.TypeJWT}, pairing, signFunc(ctx, card))
	if err != nil {
		return nil, signingError("pairing", err)
	}
	registration, err := json.Marshal(registrationData{
		SignedPairingData: signedPairing,
		AuthCertificate:   b64.EncodeToString(cardCert),
		DeviceInformation: device,
	})
	if err != nil {
		return nil, err
	}
	encRegistration, err := jose.EncryptECDHES(jose.Header{Cty: jose.ContentTypeJSON, Typ: jose.TypeJWT}, registration, init.PukEnc.Key)
	if err != nil {
		return nil, newError(KindSigning, "pairing", err)
	}
	authz, err := e.encryptedAccessToken(init, accessToken)
	if err != nil {
		return nil, err
	}

	_, body, err := e.client().postForm(ctx, "pairing", init.Config.PairingEndpoint, url.Values{
		"encrypted_registration_data": {encRegistration},
	}, bearer(authz))
	if err != nil {
		return nil, err
	}
	var entry PairingEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, newError(KindInvalidResponse, "pairing", err)
	}
	return &entry, nil
}

// encryptedAccessToken wraps the access token for the pairing endpoint. The
// exp header is taken from the verified token.
func (e *Engine) encryptedAccessToken(init *InitialData, accessToken string) (string, error) {
	signed, err := jose.ParseSigned(accessToken)
	if err != nil {
		return "", newError(KindInvalidResponse, "access token", err)
	}
	if err := signed.Verify(init.PukSig.Key); err != nil {
		return "", newError(KindInvalidResponse, "access token", err)
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := signed.Claims(&claims); err != nil {
		return "", newError(KindInvalidResponse, "access token", err)
	}
	return encryptNJWT(accessToken, claims.Exp, init.PukEnc, "")
}

// ListPairings returns the devices paired with the card behind accessToken,
// which must be of the pairing scope.
func (e *Engine) ListPairings(ctx context.Context, accessToken string) ([]PairingEntry, error) {
	init, err := e.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return nil, err
	}
	authz, err := e.encryptedAccessToken(init, accessToken)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, init.Config.PairingEndpoint, nil)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, "list pairings", err)
	}
	req.Header = bearer(authz)
	_, body, err := e.client().do(ctx, "list pairings", req)
	if err != nil {
		return nil, err
	}
	var list struct {
		Entries []PairingEntry `json:"pairing_entries"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, newError(KindInvalidResponse, "list pairings", err)
	}
	return list.Entries, nil
}

// DeletePairing removes the device registered under alias.
func (e *Engine) DeletePairing(ctx context.Context, accessToken, alias string) error {
	init, err := e.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return err
	}
	authz, err := e.encryptedAccessToken(init, accessToken)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodDelete, init.Config.PairingEndpoint+"/"+url.PathEscape(alias), nil)
	if err != nil {
		return newError(KindInvalidConfiguration, "delete pairing", err)
	}
	req.Header = bearer(authz)
	_, _, err = e.client().do(ctx, "delete pairing", req)
	return err
}

// AlternateAuthentication authenticates a paired profile with the secure
// element instead of the health card.
func (e *Engine) AlternateAuthentication(ctx context.Context, profile string, se *SecureElement, device DeviceInformation, methods []string) (AccessToken, error) {
	data, err := e.Store.LoadAuthData(profile)
	if err != nil {
		return AccessToken{}, err
	}
	paired := data.SingleSignOnToken
	if paired == nil || paired.Scope != ScopeAlternateAuthentication || len(paired.HealthCardCertificate) == 0 {
		return AccessToken{}, &Error{Kind: KindSingleSignOnToken, Op: "alternate authentication", UserActionRequired: true,
			Err: errors.New("profile is not paired")}
	}
	if string(paired.SecureElementAlias) != string(se.Alias) {
		return AccessToken{}, &Error{Kind: KindSingleSignOnToken, Op: "alternate authentication", UserActionRequired: true,
			Err: errors.New("secure element key does not match the pairing")}
	}

	init, err := e.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return AccessToken{}, err
	}
	challenge, err := e.ChallengeFlow(ctx, init, ScopeDefault, e.RedirectURI)
	if err != nil {
		return AccessToken{}, err
	}

	b64 := base64.RawURLEncoding
	auth, err := json.Marshal(authenticationData{
		Version:           authenticationDataVersion,
		Challenge:         challenge.Raw,
		AuthCertificate:   b64.EncodeToString(paired.HealthCardCertificate),
		KeyIdentifier:     b64.EncodeToString(se.Alias),
		DeviceInformation: device,
		Methods:           methods,
	})
	if err != nil {
		return AccessToken{}, err
	}
	signed, err := jose.Sign(jose.Header{Alg: jose.AlgES256, Typ: jose.TypeJWT}, auth, signFunc(ctx, se))
	if err != nil {
		return AccessToken{}, signingError("alternate authentication", err)
	}
	encrypted, err := encryptNJWT(signed, challenge.Expires, init.PukEnc, jose.TypeJWT)
	if err != nil {
		return AccessToken{}, err
	}
	loc, err := e.client().postRedirect(ctx, "alternate authentication", init.Config.AuthenticationEndpoint, url.Values{
		"encrypted_signed_authentication_data": {encrypted},
	})
	if err != nil {
		return AccessToken{}, err
	}
	result, err := e.completeRedirect(ctx, init, loc, e.RedirectURI)
	if err != nil {
		return AccessToken{}, err
	}
	if result.SSOToken == "" {
		return AccessToken{}, newError(KindSingleSignOnToken, "alternate authentication", errors.New("missing ssotoken"))
	}

	token := *paired
	token.Token = result.SSOToken
	token.ValidOn = e.now()
	if err := e.Store.SaveSingleSignOnToken(profile, token); err != nil {
		return AccessToken{}, err
	}
	e.tokens().Put(profile, result.AccessToken)
	return result.AccessToken, nil
}

func signingError(op string, err error) error {
	var ie *Error
	if errors.As(err, &ie) {
		return err
	}
	return newError(KindSigning, op, err)
}
