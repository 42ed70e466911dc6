package main

import (
	"math"
)

// ValidateIdentity checks that the identity ID is derived from its public key
func (node *TrustNode) ValidateIdentity(id Identity) bool {
	if !IsValidIdentityID(id.ID) {
		logger.Warn("Invalid identity ID format", "identityId", id.ID)
		return false
	}

	if id.PublicKey == "" || !ValidateStringField(id.PublicKey, MaxPublicKeyHexLength) {
		logger.Warn("Invalid public key", "identityId", id.ID)
		return false
	}

	derived, err := IdentityIDFromPublicKey(id.PublicKey)
	if err != nil {
		logger.Warn("Invalid public key hex", "identityId", id.ID, "error", err)
		return false
	}
	if derived != id.ID {
		logger.Warn("Identity ID does not match public key", "identityId", id.ID, "derived", derived)
		return false
	}

	if id.CreatedAt <= 0 {
		logger.Warn("Invalid identity creation time", "identityId", id.ID, "createdAt", id.CreatedAt)
		return false
	}

	return true
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// ValidateTransaction checks a completed exchange and both party signatures
func (node *TrustNode) ValidateTransaction(tx Transaction) bool {
	if tx.ID == "" || !ValidateStringField(tx.ID, MaxFactIDLength) {
		logger.Warn("Invalid transaction ID", "txId", tx.ID)
		return false
	}

	if !IsValidIdentityID(tx.Consumer) || !IsValidIdentityID(tx.Provider) {
		logger.Warn("Invalid party ID format", "consumer", tx.Consumer, "provider", tx.Provider, "txId", tx.ID)
		return false
	}

	if tx.Consumer == tx.Provider {
		logger.Warn("Transaction parties must be distinct", "party", tx.Consumer, "txId", tx.ID)
		return false
	}

	if !validAmount(tx.AmountPaid) || !validAmount(tx.AmountReceived) || !validAmount(tx.AmountBurned) {
		logger.Warn("Invalid transaction amounts",
			"amountPaid", tx.AmountPaid,
			"amountReceived", tx.AmountReceived,
			"amountBurned", tx.AmountBurned,
			"txId", tx.ID)
		return false
	}

	if math.IsNaN(tx.BidPrice) || math.IsInf(tx.BidPrice, 0) {
		logger.Warn("Invalid bid price", "bidPrice", tx.BidPrice, "txId", tx.ID)
		return false
	}

	if tx.DurationSeconds <= 0 {
		logger.Warn("Transaction duration must be positive", "durationSeconds", tx.DurationSeconds, "txId", tx.ID)
		return false
	}

	if tx.ResourceClass == "" || !ValidateStringField(tx.ResourceClass, MaxResourceClassLength) {
		logger.Warn("Invalid resource class", "resourceClass", tx.ResourceClass, "txId", tx.ID)
		return false
	}

	if tx.VerificationID != "" {
		if _, ok := node.Ledger.GetVerificationLog(tx.VerificationID); !ok {
			logger.Warn("Referenced verification log not found", "verificationId", tx.VerificationID, "txId", tx.ID)
			return false
		}
	}

	consumer, ok := node.Ledger.GetIdentity(tx.Consumer)
	if !ok {
		logger.Warn("Consumer not registered", "consumer", tx.Consumer, "txId", tx.ID)
		return false
	}
	provider, ok := node.Ledger.GetIdentity(tx.Provider)
	if !ok {
		logger.Warn("Provider not registered", "provider", tx.Provider, "txId", tx.ID)
		return false
	}

	signable := TransactionSigningBytes(tx)
	if !VerifySignature(consumer.PublicKey, signable, tx.ConsumerSignature) {
		logger.Warn("Invalid consumer signature", "consumer", tx.Consumer, "txId", tx.ID)
		return false
	}
	if !VerifySignature(provider.PublicKey, signable, tx.ProviderSignature) {
		logger.Warn("Invalid provider signature", "provider", tx.Provider, "txId", tx.ID)
		return false
	}

	return true
}

// ValidateVerificationLog checks a verifier measurement and its signature
func (node *TrustNode) ValidateVerificationLog(v VerificationLog) bool {
	if v.ID == "" || !ValidateStringField(v.ID, MaxFactIDLength) {
		logger.Warn("Invalid verification log ID", "verificationId", v.ID)
		return false
	}

	if !IsValidIdentityID(v.Verifier) {
		logger.Warn("Invalid verifier ID format", "verifier", v.Verifier, "verificationId", v.ID)
		return false
	}

	if !validAmount(v.ClaimedValue) || !validAmount(v.MeasuredValue) {
		logger.Warn("Invalid verification values",
			"claimedValue", v.ClaimedValue,
			"measuredValue", v.MeasuredValue,
			"verificationId", v.ID)
		return false
	}

	verifier, ok := node.Ledger.GetIdentity(v.Verifier)
	if !ok {
		logger.Warn("Verifier not registered", "verifier", v.Verifier, "verificationId", v.ID)
		return false
	}

	if !VerifySignature(verifier.PublicKey, VerificationSigningBytes(v), v.Signature) {
		logger.Warn("Invalid verifier signature", "verifier", v.Verifier, "verificationId", v.ID)
		return false
	}

	return true
}

// ValidateAssertion checks score range, evidence reference and asserter signature
func (node *TrustNode) ValidateAssertion(a Assertion) bool {
	if a.ID == "" || !ValidateStringField(a.ID, MaxFactIDLength) {
		logger.Warn("Invalid assertion ID", "assertionId", a.ID)
		return false
	}

	if !IsValidIdentityID(a.Asserter) || !IsValidIdentityID(a.Subject) {
		logger.Warn("Invalid assertion party format", "asserter", a.Asserter, "subject", a.Subject, "assertionId", a.ID)
		return false
	}

	if math.IsNaN(a.Score) || math.IsInf(a.Score, 0) {
		logger.Warn("Invalid assertion score: NaN or Inf", "score", a.Score, "assertionId", a.ID)
		return false
	}

	if a.Score < -1.0 || a.Score > 1.0 {
		logger.Warn("Assertion score out of range", "score", a.Score, "assertionId", a.ID)
		return false
	}

	if a.EvidenceRef != "" && !IsValidEvidenceRef(a.EvidenceRef) {
		logger.Warn("Invalid evidence reference", "evidenceRef", a.EvidenceRef, "assertionId", a.ID)
		return false
	}

	asserter, ok := node.Ledger.GetIdentity(a.Asserter)
	if !ok {
		logger.Warn("Asserter not registered", "asserter", a.Asserter, "assertionId", a.ID)
		return false
	}

	if !VerifySignature(asserter.PublicKey, AssertionSigningBytes(a), a.Signature) {
		logger.Warn("Invalid assertion signature", "asserter", a.Asserter, "assertionId", a.ID)
		return false
	}

	return true
}
