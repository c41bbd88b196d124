package fserrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if Wrap("op", KindInvalid, nil) != nil {
		t.Fatalf("expected Wrap(nil) to return nil")
	}
}

func TestKindOfUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap("meta.Lookup", KindNotFound, cause))

	kind, ok := KindOf(err)
	if !ok {
		t.Fatalf("expected KindOf to find a Kind")
	}
	if kind != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", kind)
	}
	if !errors.Is(err, err) {
		t.Fatalf("expected errors.Is self-comparison to hold")
	}
}

func TestKindOfMissing(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	if ok {
		t.Fatalf("expected KindOf to fail on a plain error")
	}
}

func TestErrorMessageIncludesOpAndCause(t *testing.T) {
	err := Wrap("filestore.Open", KindCorruption, errors.New("boom"))
	if err.Error() == "" {
		t.Fatalf("expected non-empty message")
	}
	if msg := err.Error(); !strings.Contains(msg, "filestore.Open") || !strings.Contains(msg, "boom") {
		t.Fatalf("expected op and cause in message, got %q", msg)
	}
}
