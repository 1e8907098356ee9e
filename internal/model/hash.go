package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// hashInput is the part of a descriptor that identifies a logical action.
// The step index is left out: a resumed or retried call at another step is
// still the same action.
type hashInput struct {
	Kind  CallKind  `json:"call_kind"`
	Name  string    `json:"name"`
	Args  Arguments `json:"arguments"`
	RunID string    `json:"run_id"`
}

// ContextHash returns "sha256:<hex>" over the RFC 8785 canonical JSON of the
// call kind, name, arguments and run id. Argument order does not matter.
func ContextHash(d CallDescriptor) (string, error) {
	args := d.Args
	if args == nil {
		args = Arguments{}
	}
	raw, err := json.Marshal(hashInput{Kind: d.Kind, Name: d.Name, Args: args, RunID: d.RunID})
	if err != nil {
		return "", fmt.Errorf("context hash: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("context hash: canonicalize: %w", err)
	}
	h := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// MustContextHash is ContextHash for descriptors known to be encodable.
func MustContextHash(d CallDescriptor) string {
	h, err := ContextHash(d)
	if err != nil {
		panic(err)
	}
	return h
}
