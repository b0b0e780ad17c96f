package errkind

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: Unknown},
		{name: "plain", err: io.EOF, want: Unknown},
		{name: "direct", err: New(NotFound, "oslo", io.EOF), want: NotFound},
		{name: "wrapped", err: fmt.Errorf("ingest: %w", Newf(Validation, "x.zip", "empty")), want: Validation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError(t *testing.T) {
	err := New(Fetch, "Oslo", io.ErrUnexpectedEOF)
	if got, want := err.Error(), "FetchError: Oslo: unexpected EOF"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("Error should unwrap to its cause")
	}
	if !Is(err, Fetch) || Is(err, IO) {
		t.Error("Is() misclassified the error")
	}

	noSubject := Newf(IO, "", "disk full")
	if got, want := noSubject.Error(), "IOError: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
