package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatus(t *testing.T) {
	cause := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("chat", "messages are required"), http.StatusBadRequest},
		{"auth", E(ErrAuth, "chat", nil), http.StatusUnauthorized},
		{"not found", E(ErrNotFound, "delete", cause), http.StatusNotFound},
		{"upstream", E(ErrUpstream, "embed", cause), http.StatusBadGateway},
		{"storage", E(ErrStorage, "insert", cause), http.StatusInternalServerError},
		{"wrapped twice", fmt.Errorf("ingest: %w", E(ErrUpstream, "scrape", cause)), http.StatusBadGateway},
		{"plain", cause, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Status(tc.err); got != tc.want {
				t.Errorf("Status = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestErrorKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := E(ErrStorage, "store: insert chunks", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if !errors.Is(err, ErrStorage) {
		t.Error("expected errors.Is to find the kind")
	}
	if got, want := err.Error(), "store: insert chunks: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestMessageHidesInternals(t *testing.T) {
	err := E(ErrStorage, "store", errors.New("pq: relation does not exist"))
	if got := Message(err); got != "internal error" {
		t.Errorf("Message = %q, want %q", got, "internal error")
	}
	if got := Message(Validation("ingest", "url is required")); got != "url is required" {
		t.Errorf("Message = %q, want %q", got, "url is required")
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := E(ErrNotFound, "store: get document", nil)
	err := Wrap(ErrStorage, "docservice: get", inner)
	if Status(err) != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", Status(err), http.StatusNotFound)
	}
	plain := Wrap(ErrUpstream, "embed", errors.New("timeout"))
	if !errors.Is(plain, ErrUpstream) {
		t.Error("expected plain error to take the given kind")
	}
}
