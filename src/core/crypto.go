package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

// AssertionSigningBytes is the canonical encoding an asserter signs
func AssertionSigningBytes(a Assertion) []byte {
	data, _ := json.Marshal(struct {
		ID          string
		Asserter    string
		Subject     string
		Score       float64
		EvidenceRef string
		Timestamp   int64
	}{
		ID:          a.ID,
		Asserter:    a.Asserter,
		Subject:     a.Subject,
		Score:       a.Score,
		EvidenceRef: a.EvidenceRef,
		Timestamp:   a.Timestamp,
	})
	return data
}

// TransactionSigningBytes is the canonical encoding both parties sign
func TransactionSigningBytes(tx Transaction) []byte {
	data, _ := json.Marshal(struct {
		ID              string
		Consumer        string
		Provider        string
		AmountPaid      float64
		AmountReceived  float64
		AmountBurned    float64
		BidPrice        float64
		ResourceClass   string
		DurationSeconds int64
		VerificationID  string
		Timestamp       int64
	}{
		ID:              tx.ID,
		Consumer:        tx.Consumer,
		Provider:        tx.Provider,
		AmountPaid:      tx.AmountPaid,
		AmountReceived:  tx.AmountReceived,
		AmountBurned:    tx.AmountBurned,
		BidPrice:        tx.BidPrice,
		ResourceClass:   tx.ResourceClass,
		DurationSeconds: tx.DurationSeconds,
		VerificationID:  tx.VerificationID,
		Timestamp:       tx.Timestamp,
	})
	return data
}

// VerificationSigningBytes is the canonical encoding a verifier signs
func VerificationSigningBytes(v VerificationLog) []byte {
	data, _ := json.Marshal(struct {
		ID            string
		Verifier      string
		ClaimedValue  float64
		MeasuredValue float64
		Passed        bool
		Timestamp     int64
	}{
		ID:            v.ID,
		Verifier:      v.Verifier,
		ClaimedValue:  v.ClaimedValue,
		MeasuredValue: v.MeasuredValue,
		Passed:        v.Passed,
		Timestamp:     v.Timestamp,
	})
	return data
}

// IdentityIDFromPublicKey derives the short identity ID from a hex public key
func IdentityIDFromPublicKey(publicKeyHex string) (string, error) {
	publicKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid public key hex: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(publicKeyBytes))[:16], nil
}

// encodePublicKey returns the hex-encoded public key in uncompressed format
func encodePublicKey(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(elliptic.Marshal(pub.Curve, pub.X, pub.Y))
}

// encodeSignature pads r and s to 32 bytes each for P-256 (64 bytes total)
func encodeSignature(r, s *big.Int) []byte {
	signature := make([]byte, 64)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(signature[32-len(rBytes):32], rBytes)
	copy(signature[64-len(sBytes):64], sBytes)
	return signature
}

// VerifySignature verifies an ECDSA P-256 signature
// publicKeyHex: hex-encoded public key in uncompressed format (65 bytes: 0x04 || X || Y)
// data: the data that was signed
// signatureHex: hex-encoded signature (64 bytes: r || s, each padded to 32 bytes)
func VerifySignature(publicKeyHex string, data []byte, signatureHex string) bool {
	if publicKeyHex == "" || signatureHex == "" {
		return false
	}

	publicKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		logger.Debug("Failed to decode public key hex", "error", err)
		return false
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), publicKeyBytes)
	if x == nil {
		logger.Debug("Failed to unmarshal public key")
		return false
	}

	publicKey := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     x,
		Y:     y,
	}

	signatureBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		logger.Debug("Failed to decode signature hex", "error", err)
		return false
	}

	if len(signatureBytes) != 64 {
		logger.Debug("Invalid signature length", "expected", 64, "got", len(signatureBytes))
		return false
	}

	r := new(big.Int).SetBytes(signatureBytes[:32])
	s := new(big.Int).SetBytes(signatureBytes[32:])

	hash := sha256.Sum256(data)
	return ecdsa.Verify(publicKey, hash[:], r, s)
}
