// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package errors_test

import (
	"testing"

	"github.com/burrowdb/burrow/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodedErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		err := errors.New(errors.ErrRecordTooLarge, "record of 9000 bytes exceeds maximum")
		assert.True(t, errors.Is(err, errors.ErrRecordTooLarge))
		assert.False(t, errors.Is(err, errors.ErrValidation))
	})

	t.Run("IsWrapped", func(t *testing.T) {
		err := errors.New(errors.ErrTableNotFound, "no such table")
		wrapped := errors.Wrap(err, "resolving table")
		assert.True(t, errors.Is(wrapped, errors.ErrTableNotFound))
		assert.Equal(t, "resolving table: no such table", wrapped.Error())
	})

	t.Run("IsNil", func(t *testing.T) {
		assert.False(t, errors.Is(nil, errors.ErrUncoded))
	})

	t.Run("Newf", func(t *testing.T) {
		err := errors.Newf(errors.ErrIndexNotFound, "index %q not found", "users_pkey")
		assert.True(t, errors.Is(err, errors.ErrIndexNotFound))
		assert.Contains(t, err.Error(), "users_pkey")
	})

	t.Run("UncodedIsNotCoded", func(t *testing.T) {
		err := errors.Errorf("plain error")
		assert.False(t, errors.Is(err, errors.ErrValidation))
	})
}
