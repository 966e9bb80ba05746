// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package errors wraps pkg/errors and adds error codes so callers can
// classify failures without string matching.
package errors

import (
	"github.com/pkg/errors"
)

// Code is an error code which can be checked against a given error with Is().
type Code string

// Codes used across the storage layer. Validation failures are reported
// before any state is mutated; RecordTooLarge and IO failures are fatal to
// the enclosing build; CatalogInconsistent signals a severe inconsistency
// between the catalog and the storage mapping.
const (
	ErrUncoded             Code = "Uncoded"
	ErrValidation          Code = "Validation"
	ErrTableNotFound       Code = "TableNotFound"
	ErrIndexNotFound       Code = "IndexNotFound"
	ErrRecordTooLarge      Code = "RecordTooLarge"
	ErrCatalogInconsistent Code = "CatalogInconsistent"
	ErrIO                  Code = "IO"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

func Newf(code Code, format string, args ...interface{}) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: errors.Errorf(format, args...).Error(),
	})
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is is a fork of the Is() method from `pkg/errors` which takes as its target
// an error Code instead of an error.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code
	Message string
}

func (ce codedError) Error() string {
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}
