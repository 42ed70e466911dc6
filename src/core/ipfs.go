package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrEvidenceStoreNotConfigured = errors.New("evidence store not configured")
	ErrInvalidCID                 = errors.New("invalid CID format")
	ErrInvalidEvidenceRef         = errors.New("invalid evidence reference")
	ErrEvidenceUnavailable        = errors.New("evidence store unavailable")
	ErrEvidenceNotFound           = errors.New("evidence not found")
)

const hashEvidencePrefix = "sha256:"

// EvidenceStore keeps the raw evidence behind penalty assertions, addressed by content
type EvidenceStore interface {
	// Put stores evidence and returns its reference
	Put(ctx context.Context, data []byte) (ref string, err error)
	// Get retrieves evidence by reference
	Get(ctx context.Context, ref string) (data []byte, err error)
}

// IPFSEvidenceStore pins evidence through the IPFS HTTP API (Kubo compatible)
type IPFSEvidenceStore struct {
	apiURL     string
	httpClient *http.Client
}

// NewIPFSEvidenceStore creates a store backed by the IPFS node at apiURL
func NewIPFSEvidenceStore(apiURL string, httpClient *http.Client) *IPFSEvidenceStore {
	return &IPFSEvidenceStore{
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		httpClient: httpClient,
	}
}

// ipfsAddResponse represents the JSON response from /api/v0/add
type ipfsAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put pins evidence and returns its CID
func (s *IPFSEvidenceStore) Put(ctx context.Context, data []byte) (string, error) {
	if s.httpClient == nil || s.apiURL == "" {
		return "", ErrEvidenceStoreNotConfigured
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "evidence.json")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/api/v0/add?pin=true", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEvidenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: status %d: %s", ErrEvidenceUnavailable, resp.StatusCode, string(body))
	}

	var addResp ipfsAddResponse
	if err := json.NewDecoder(resp.Body).Decode(&addResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if addResp.Hash == "" {
		return "", fmt.Errorf("IPFS returned empty CID")
	}
	return addResp.Hash, nil
}

// Get fetches evidence by CID
func (s *IPFSEvidenceStore) Get(ctx context.Context, cid string) ([]byte, error) {
	if s.httpClient == nil || s.apiURL == "" {
		return nil, ErrEvidenceStoreNotConfigured
	}
	if !IsValidCID(cid) {
		return nil, ErrInvalidCID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/api/v0/cat?arg="+url.QueryEscape(cid), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvidenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrEvidenceUnavailable, resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

// HashEvidenceStore addresses evidence by sha256 and keeps it in memory,
// mirrored to a directory when one is given
type HashEvidenceStore struct {
	dir string

	mu    sync.RWMutex
	items map[string][]byte
}

// NewHashEvidenceStore creates a content-hash store. dir may be empty.
func NewHashEvidenceStore(dir string) *HashEvidenceStore {
	return &HashEvidenceStore{
		dir:   dir,
		items: make(map[string][]byte),
	}
}

// Put stores evidence under its sha256 reference
func (s *HashEvidenceStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	ref := hashEvidencePrefix + digest

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[ref]; exists {
		return ref, nil
	}

	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create evidence directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(s.dir, digest), data, 0644); err != nil {
			return "", fmt.Errorf("failed to write evidence: %w", err)
		}
	}
	s.items[ref] = append([]byte(nil), data...)
	return ref, nil
}

// Get returns evidence by reference
func (s *HashEvidenceStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if !IsValidHashRef(ref) {
		return nil, ErrInvalidEvidenceRef
	}

	s.mu.RLock()
	data, ok := s.items[ref]
	s.mu.RUnlock()
	if ok {
		return append([]byte(nil), data...), nil
	}

	if s.dir != "" {
		data, err := os.ReadFile(filepath.Join(s.dir, strings.TrimPrefix(ref, hashEvidencePrefix)))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read evidence: %w", err)
		}
	}
	return nil, ErrEvidenceNotFound
}

// CID validation patterns
var (
	// CIDv0: starts with "Qm", 46 characters total, base58btc encoded
	// Base58btc alphabet excludes 0, O, I, l to avoid visual ambiguity
	cidV0Regex = regexp.MustCompile(`^Qm[1-9A-HJ-NP-Za-km-z]{44}$`)
	// CIDv1: starts with "b" (base32 lowercase multibase prefix)
	cidV1Regex = regexp.MustCompile(`^b[a-z2-7]{58,}$`)

	hashRefRegex = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
)

// IsValidCID validates a CID string for both CIDv0 and CIDv1 formats
func IsValidCID(cid string) bool {
	if cid == "" {
		return false
	}
	if strings.HasPrefix(cid, "Qm") {
		return cidV0Regex.MatchString(cid)
	}
	if strings.HasPrefix(cid, "b") {
		return cidV1Regex.MatchString(cid)
	}
	return false
}

// IsValidHashRef validates a content-hash evidence reference
func IsValidHashRef(ref string) bool {
	return hashRefRegex.MatchString(ref)
}

// IsValidEvidenceRef accepts either reference form
func IsValidEvidenceRef(ref string) bool {
	return IsValidCID(ref) || IsValidHashRef(ref)
}
