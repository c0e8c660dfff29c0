// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package fault defines the error taxonomy shared
// by blocks, spillers and the split protocol.
//
// Every error carries a Code, which names what went
// wrong, and a Kind, which tells the caller whether
// retrying could possibly help.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code uint8

const (
	// Unknown is the code of errors that
	// did not originate in this module.
	Unknown Code = iota
	// OutOfMemory means an allocator ceiling
	// would have been exceeded.
	OutOfMemory
	// InvalidRowData means a value did not
	// match the schema of the block.
	InvalidRowData
	// SpillFailure means a block could not
	// be written to external storage.
	SpillFailure
	// CapabilityMismatch means a request asked
	// for something the receiver cannot honor,
	// e.g. a continuation token from another scan.
	CapabilityMismatch
	// StorageFailure is a single failed storage
	// operation; see Kind for whether it may be retried.
	StorageFailure
)

func (c Code) String() string {
	switch c {
	case OutOfMemory:
		return "OutOfMemory"
	case InvalidRowData:
		return "InvalidRowData"
	case SpillFailure:
		return "SpillFailure"
	case CapabilityMismatch:
		return "CapabilityMismatch"
	case StorageFailure:
		return "StorageFailure"
	default:
		return "Unknown"
	}
}

// Kind describes the retry policy for an error.
type Kind uint8

const (
	// Fatal errors indicate a structural problem;
	// retrying the same request will fail again.
	Fatal Kind = iota
	// TransientKind errors may succeed on retry.
	TransientKind
	// Unsupported errors mean the request itself
	// is not something the receiver implements.
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case TransientKind:
		return "transient"
	case Unsupported:
		return "unsupported"
	default:
		return "fatal"
	}
}

// Error is the concrete error type produced
// by this module.
type Error struct {
	Code Code
	Kind Kind
	// Op is the operation that failed,
	// e.g. "allocate" or "spill".
	Op  string
	Err error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error
// with the same Code; this lets callers write
//
//	errors.Is(err, fault.ErrOutOfMemory)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrOutOfMemory        = &Error{Code: OutOfMemory}
	ErrInvalidRowData     = &Error{Code: InvalidRowData}
	ErrSpillFailure       = &Error{Code: SpillFailure}
	ErrCapabilityMismatch = &Error{Code: CapabilityMismatch, Kind: Unsupported}
	ErrStorageFailure     = &Error{Code: StorageFailure}
)

func defaultKind(c Code) Kind {
	if c == CapabilityMismatch {
		return Unsupported
	}
	return Fatal
}

// New constructs an error with the default
// Kind for code.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Kind: defaultKind(code), Op: op, Err: err}
}

// Errorf is like New, but formats its own cause.
func Errorf(code Code, op string, f string, args ...any) *Error {
	return New(code, op, fmt.Errorf(f, args...))
}

// Transient wraps a storage error that may be retried.
func Transient(op string, err error) *Error {
	return &Error{Code: StorageFailure, Kind: TransientKind, Op: op, Err: err}
}

// Permanent wraps a storage error that must not be retried.
func Permanent(op string, err error) *Error {
	return &Error{Code: StorageFailure, Kind: Fatal, Op: op, Err: err}
}

// Unsupportedf produces an error of Kind Unsupported.
func Unsupportedf(op string, f string, args ...any) *Error {
	return &Error{Code: CapabilityMismatch, Kind: Unsupported, Op: op, Err: fmt.Errorf(f, args...)}
}

// CodeOf returns the Code of the first *Error in
// the chain of err, or Unknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// KindOf returns the Kind of the first *Error in
// the chain of err. Foreign errors are Fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// Retryable reports whether err is Transient.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == TransientKind
}
