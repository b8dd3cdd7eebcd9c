package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dargueta/simplefs/errors"
)

func TestDiskoErrorWithMessage(t *testing.T) {
	newErr := errors.ErrNotFound.WithMessage("no such entry")
	assert.Equal(t, "no such entry", newErr.Error())
	assert.ErrorIs(t, newErr, errors.ErrNotFound)
}

func TestDiskoErrorWrapError(t *testing.T) {
	original := stderrors.New("disk read failed")
	newErr := errors.ErrIOFailed.WrapError(original)

	assert.Equal(t, "Input/output error disk read failed", newErr.Error())
	assert.ErrorIs(t, newErr, original)
}

func TestCustomDriverErrorChaining(t *testing.T) {
	base := errors.ErrExists.WithMessage("first")
	chained := base.WithMessage("second")

	assert.Equal(t, "first: second", chained.Error())
	assert.ErrorIs(t, chained, errors.ErrExists)
}
