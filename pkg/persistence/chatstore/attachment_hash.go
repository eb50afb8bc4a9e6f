package chatstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

// AttachmentHashAlgorithmV1 identifies the canonical hash material/version.
//
// The canonical material is JSON over:
//   - type
//   - media_type
//   - data (base64)
//
// The file name is not part of the material, so the same bytes uploaded under two names
// are stored once.
const AttachmentHashAlgorithmV1 = "sha256-canonical-json-v1"

type canonicalAttachmentMaterial struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// ComputeAttachmentHash computes the lowercase-hex SHA-256 hash over canonical part material.
func ComputeAttachmentHash(p engine.Part) (string, error) {
	b, err := json.Marshal(canonicalAttachmentMaterial{
		Type:      strings.TrimSpace(string(p.Type)),
		MediaType: strings.ToLower(strings.TrimSpace(p.MediaType)),
		Data:      p.Data,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
