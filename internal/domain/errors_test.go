package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
		is   error
	}{
		{"not found keeps kind", NotFoundf("vm %d", 100), "not_found", ErrNotFound},
		{"conflict keeps kind", Conflictf("node pve1 busy"), "conflict", ErrConflict},
		{"internal stays internal", Internalf("boom"), "internal", ErrInternal},
		{"foreign error becomes internal", errors.New("connection refused"), "internal", ErrInternal},
		{"context error becomes internal", context.DeadlineExceeded, "internal", ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Wrap(tt.err, "failed to read vm %d", 100)
			assert.ErrorIs(t, err, tt.is)
			assert.Equal(t, tt.kind, ErrorKind(err))
			assert.Contains(t, err.Error(), "failed to read vm 100")
			assert.Contains(t, err.Error(), tt.err.Error())
		})
	}
}

func TestInternalf(t *testing.T) {
	err := Internalf("task %s exited", "UPID:1")
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, "internal", ErrorKind(err))
	assert.Contains(t, err.Error(), "task UPID:1 exited")
}
