package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"releaseline/internal/domain"
)

// evidenceDigest is the hashed view of one evidence entry. Skipped is folded
// in so a skipped invariant can never be passed off as satisfied.
type evidenceDigest struct {
	InvariantID string         `json:"invariant_id"`
	Satisfied   bool           `json:"satisfied"`
	Skipped     bool           `json:"skipped"`
	Details     map[string]any `json:"details"`
	Timestamp   string         `json:"timestamp"`
}

// HashEvidence returns the SHA-256 of the RFC 8785 canonical form of ev,
// ignoring ev.EvidenceHash itself.
func HashEvidence(ev domain.ProofEvidence) (string, error) {
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(evidenceDigest{
		InvariantID: ev.InvariantID,
		Satisfied:   ev.Satisfied,
		Skipped:     ev.Skipped,
		Details:     details,
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("marshal evidence %s: %w", ev.InvariantID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence %s: %w", ev.InvariantID, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ChainHash folds evidence hashes in order: h0 = sha256(""),
// hi = sha256(h(i-1) || hash_i).
func ChainHash(hashes []string) string {
	sum := sha256.Sum256(nil)
	acc := hex.EncodeToString(sum[:])
	for _, h := range hashes {
		next := sha256.Sum256([]byte(acc + h))
		acc = hex.EncodeToString(next[:])
	}
	return acc
}

// VerifyProof recomputes every evidence hash and the chain. It returns an
// error naming the first mismatch.
func VerifyProof(p domain.ProofObject) error {
	hashes := make([]string, 0, len(p.Evidence))
	for i, ev := range p.Evidence {
		got, err := HashEvidence(ev)
		if err != nil {
			return err
		}
		if got != ev.EvidenceHash {
			return fmt.Errorf("%w: evidence %d (%s) hash mismatch", ErrTampered, i, ev.InvariantID)
		}
		hashes = append(hashes, got)
	}
	if ChainHash(hashes) != p.ProofHash {
		return fmt.Errorf("%w: proof hash mismatch", ErrTampered)
	}
	if len(p.InvariantsChecked) != len(p.Evidence) {
		return fmt.Errorf("%w: %d invariants checked but %d evidence entries", ErrTampered, len(p.InvariantsChecked), len(p.Evidence))
	}
	for i, ev := range p.Evidence {
		if p.InvariantsChecked[i] != ev.InvariantID {
			return fmt.Errorf("%w: evidence %d is for %s, expected %s", ErrTampered, i, ev.InvariantID, p.InvariantsChecked[i])
		}
	}
	return nil
}
