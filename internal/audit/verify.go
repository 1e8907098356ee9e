package audit

import (
	"encoding/json"
	"errors"
	"fmt"
)

// VerifyResult reports the first broken link of a chain, if any.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

type brokenLink struct {
	line int
	msg  string
}

func (b *brokenLink) Error() string { return b.msg }

// Verify walks the log at path and checks that every entry's prev_hash
// is the hash of the line before it, starting from GenesisHash.
func Verify(path string) VerifyResult {
	want := GenesisHash
	lines := 0
	err := walk(path, func(n int, line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return &brokenLink{line: n, msg: fmt.Sprintf("parse error: %v", err)}
		}
		if e.PrevHash != want {
			if n == 1 {
				return &brokenLink{line: n, msg: fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)}
			}
			return &brokenLink{line: n, msg: fmt.Sprintf("hash mismatch: expected %s, got %s", want, e.PrevHash)}
		}
		want = HashLine(line)
		lines = n
		return nil
	})

	var bl *brokenLink
	switch {
	case errors.As(err, &bl):
		return VerifyResult{Lines: lines, Error: bl.msg, ErrorLine: bl.line}
	case err != nil:
		return VerifyResult{Error: fmt.Sprintf("read: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lines}
}
