package errors_test

import (
	"fmt"
	"testing"

	"github.com/coldocdb/coldoc/errors"
	"github.com/stretchr/testify/assert"
)

func TestIs(t *testing.T) {
	uncoded := errors.Errorf("some uncoded error")
	nf := errors.New(errors.ErrNotFound, "table gone")
	exists := errors.Newf(errors.ErrAlreadyExists, "document %q present", "row1")

	tests := []struct {
		err    error
		target errors.Code
		exp    bool
	}{
		{err: uncoded, target: errors.ErrNotFound, exp: false},
		{err: nf, target: errors.ErrNotFound, exp: true},
		{err: nf, target: errors.ErrAlreadyExists, exp: false},
		{err: exists, target: errors.ErrAlreadyExists, exp: true},
		{err: errors.Wrap(nf, "opening"), target: errors.ErrNotFound, exp: true},
		{err: errors.WithMessage(exists, "insert"), target: errors.ErrAlreadyExists, exp: true},
		{err: nil, target: errors.ErrNotFound, exp: false},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
			got := errors.Is(test.err, test.target)
			assert.Equal(t, test.exp, got)
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, errors.ErrBadData, errors.CodeOf(errors.New(errors.ErrBadData, "junk")))
	assert.Equal(t, errors.ErrBadData, errors.CodeOf(errors.Wrap(errors.New(errors.ErrBadData, "junk"), "outer")))
	assert.Equal(t, errors.ErrUncoded, errors.CodeOf(errors.Errorf("plain")))
}

func TestMessageSurvivesWrapping(t *testing.T) {
	err := errors.Wrapf(errors.New(errors.ErrInvalidOperation, "cannot mutate _id"), "update %s", "tbl")
	assert.Contains(t, err.Error(), "cannot mutate _id")
	assert.Contains(t, err.Error(), "update tbl")
}
