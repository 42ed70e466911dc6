package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

var (
	ErrHSMNotConfigured = errors.New("HSM signer not configured")
	ErrHSMKeyNotFound   = errors.New("HSM key not found")
)

// Signer signs data with the node identity key
type Signer interface {
	// Sign returns the hex-encoded 64-byte r||s signature over sha256(data)
	Sign(data []byte) (string, error)
	PublicKeyHex() string
}

// SoftwareSigner holds an in-process ECDSA P-256 key
type SoftwareSigner struct {
	privateKey *ecdsa.PrivateKey
}

// NewSoftwareSigner wraps an existing key
func NewSoftwareSigner(privateKey *ecdsa.PrivateKey) *SoftwareSigner {
	return &SoftwareSigner{privateKey: privateKey}
}

// GenerateSoftwareSigner creates a signer with a fresh key
func GenerateSoftwareSigner() (*SoftwareSigner, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &SoftwareSigner{privateKey: privateKey}, nil
}

// Sign signs data with the private key
func (s *SoftwareSigner) Sign(data []byte) (string, error) {
	hash := sha256.Sum256(data)
	r, sig, err := ecdsa.Sign(rand.Reader, s.privateKey, hash[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(encodeSignature(r, sig)), nil
}

// PublicKeyHex returns the uncompressed public key
func (s *SoftwareSigner) PublicKeyHex() string {
	return encodePublicKey(&s.privateKey.PublicKey)
}

// PrivateKey returns the underlying key for persistence
func (s *SoftwareSigner) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// HSMConfig locates an ECDSA P-256 key pair in a PKCS#11 token
type HSMConfig struct {
	ModulePath string `json:"modulePath" yaml:"module_path"`
	TokenLabel string `json:"tokenLabel" yaml:"token_label"`
	KeyLabel   string `json:"keyLabel" yaml:"key_label"`
	PIN        string `json:"-" yaml:"pin"`
}

// Enabled reports whether an HSM module is configured
func (c HSMConfig) Enabled() bool {
	return c.ModulePath != ""
}

// HSMSigner signs with a non-exportable key held by a PKCS#11 token.
// The session is shared, so signing is serialized.
type HSMSigner struct {
	mu         sync.Mutex
	ctx        *pkcs11.Ctx
	session    pkcs11.SessionHandle
	privateKey pkcs11.ObjectHandle
	publicHex  string
}

// OpenHSMSigner loads the module, logs in and locates the key pair by label
func OpenHSMSigner(cfg HSMConfig) (*HSMSigner, error) {
	if !cfg.Enabled() {
		return nil, ErrHSMNotConfigured
	}

	p := pkcs11.New(cfg.ModulePath)
	if p == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", cfg.ModulePath)
	}
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}

	fail := func(err error) (*HSMSigner, error) {
		p.Finalize()
		p.Destroy()
		return nil, err
	}

	slot, err := findTokenSlot(p, cfg.TokenLabel)
	if err != nil {
		return fail(err)
	}

	session, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return fail(fmt.Errorf("failed to open PKCS#11 session: %w", err))
	}
	if err := p.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
		p.CloseSession(session)
		return fail(fmt.Errorf("failed to log in to token: %w", err))
	}

	privateKey, err := findObject(p, session, pkcs11.CKO_PRIVATE_KEY, cfg.KeyLabel)
	if err != nil {
		p.Logout(session)
		p.CloseSession(session)
		return fail(err)
	}
	publicKey, err := findObject(p, session, pkcs11.CKO_PUBLIC_KEY, cfg.KeyLabel)
	if err != nil {
		p.Logout(session)
		p.CloseSession(session)
		return fail(err)
	}

	attrs, err := p.GetAttributeValue(session, publicKey, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil || len(attrs) == 0 {
		p.Logout(session)
		p.CloseSession(session)
		return fail(fmt.Errorf("failed to read public key point: %v", err))
	}

	// CKA_EC_POINT is a DER OCTET STRING wrapping the uncompressed point
	var point []byte
	if _, err := asn1.Unmarshal(attrs[0].Value, &point); err != nil {
		point = attrs[0].Value
	}

	logger.Info("Opened HSM signer", "token", cfg.TokenLabel, "key", cfg.KeyLabel)
	return &HSMSigner{
		ctx:        p,
		session:    session,
		privateKey: privateKey,
		publicHex:  hex.EncodeToString(point),
	}, nil
}

func findTokenSlot(p *pkcs11.Ctx, label string) (uint, error) {
	slots, err := p.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to list PKCS#11 slots: %w", err)
	}
	for _, slot := range slots {
		if label == "" {
			return slot, nil
		}
		info, err := p.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if info.Label == label {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: token %q", ErrHSMKeyNotFound, label)
}

func findObject(p *pkcs11.Ctx, session pkcs11.SessionHandle, class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := p.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("failed to search token: %w", err)
	}
	objects, _, err := p.FindObjects(session, 1)
	if finalErr := p.FindObjectsFinal(session); err == nil {
		err = finalErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to search token: %w", err)
	}
	if len(objects) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrHSMKeyNotFound, label)
	}
	return objects[0], nil
}

// Sign signs sha256(data) on the token. CKM_ECDSA returns raw r||s.
func (h *HSMSigner) Sign(data []byte) (string, error) {
	hash := sha256.Sum256(data)

	h.mu.Lock()
	defer h.mu.Unlock()

	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := h.ctx.SignInit(h.session, mechanism, h.privateKey); err != nil {
		return "", fmt.Errorf("HSM sign init failed: %w", err)
	}
	signature, err := h.ctx.Sign(h.session, hash[:])
	if err != nil {
		return "", fmt.Errorf("HSM sign failed: %w", err)
	}
	if len(signature) != 64 {
		return "", fmt.Errorf("unexpected HSM signature length %d", len(signature))
	}
	return hex.EncodeToString(signature), nil
}

// PublicKeyHex returns the token public key
func (h *HSMSigner) PublicKeyHex() string {
	return h.publicHex
}

// Close logs out and unloads the module
func (h *HSMSigner) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx.Logout(h.session)
	h.ctx.CloseSession(h.session)
	h.ctx.Finalize()
	h.ctx.Destroy()
	return nil
}
