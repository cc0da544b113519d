package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/signoffhq/signoff/model"
)

const signatureAlgorithm = "sha256"

// signDocument produces the signature artifact attached at approval. The
// digest binds the document reference, the approver, and the approval
// timestamp, so any change to the three invalidates it.
func signDocument(document, approver string, at time.Time) *model.Signature {
	h := sha256.New()
	h.Write([]byte(document))
	h.Write([]byte{0})
	h.Write([]byte(approver))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format(time.RFC3339Nano)))

	return &model.Signature{
		Algorithm: signatureAlgorithm,
		Digest:    hex.EncodeToString(h.Sum(nil)),
		SignedBy:  approver,
		SignedAt:  at.UTC(),
	}
}
