package model

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestContextHashFormat(t *testing.T) {
	h, err := ContextHash(NewToolCall("run-1", 0, "issue_refund", Args("amount", 750)))
	if err != nil {
		t.Fatalf("ContextHash: %v", err)
	}
	if !strings.HasPrefix(h, "sha256:") || len(h) != len("sha256:")+64 {
		t.Errorf("unexpected hash format %q", h)
	}
}

func TestContextHashIgnoresStepIndex(t *testing.T) {
	a := NewToolCall("run-1", 1, "issue_refund", Args("amount", 750))
	b := NewToolCall("run-1", 7, "issue_refund", Args("amount", 750))
	if MustContextHash(a) != MustContextHash(b) {
		t.Error("step index should not change the context hash")
	}
}

func TestContextHashDistinguishesFields(t *testing.T) {
	base := NewToolCall("run-1", 0, "issue_refund", Args("amount", 750))
	variants := []CallDescriptor{
		NewToolCall("run-2", 0, "issue_refund", Args("amount", 750)),
		NewToolCall("run-1", 0, "issue_credit", Args("amount", 750)),
		NewToolCall("run-1", 0, "issue_refund", Args("amount", 751)),
		NewModelCall("run-1", 0, "issue_refund", Args("amount", 750)),
	}
	for i, v := range variants {
		if MustContextHash(v) == MustContextHash(base) {
			t.Errorf("variant %d collided with base hash", i)
		}
	}
}

func TestContextHashNilAndEmptyArgsMatch(t *testing.T) {
	a := NewToolCall("r", 0, "x", nil)
	b := NewToolCall("r", 0, "x", Arguments{})
	if MustContextHash(a) != MustContextHash(b) {
		t.Error("nil and empty arguments should hash the same")
	}
}

func TestContextHashOrderIndependentProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("argument order does not change the hash", prop.ForAll(
		func(keys []string, run string) bool {
			fwd := Arguments{}
			for i, k := range keys {
				fwd = fwd.With(k, i)
			}
			rev := Arguments{}
			for i := len(fwd) - 1; i >= 0; i-- {
				rev = rev.With(fwd[i].Key, fwd[i].Value)
			}
			a := NewToolCall(run, 0, "tool", fwd)
			b := NewToolCall(run, 3, "tool", rev)
			return MustContextHash(a) == MustContextHash(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
