// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors defines the unimem error taxonomy: a closed set of kinds
// plus a structured error carrying kind, message, and an optional cause.
// Nothing in this package returns sentinel strings; callers branch on Kind.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is a closed taxonomy of error categories surfaced by the core.
type Kind int

const (
	// KindUnknown is the zero value; never constructed intentionally.
	KindUnknown Kind = iota
	KindDimensionMismatch
	KindCapacityExceeded
	KindNotFound
	KindInvalidQuery
	KindExpired
	KindRateLimited
	KindBudgetExceeded
	KindTimeout
	KindCircuitOpen
	KindPartialWriteFailure
)

func (k Kind) String() string {
	switch k {
	case KindDimensionMismatch:
		return "DimensionMismatch"
	case KindCapacityExceeded:
		return "CapacityExceeded"
	case KindNotFound:
		return "NotFound"
	case KindInvalidQuery:
		return "InvalidQuery"
	case KindExpired:
		return "Expired"
	case KindRateLimited:
		return "RateLimited"
	case KindBudgetExceeded:
		return "BudgetExceeded"
	case KindTimeout:
		return "Timeout"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindPartialWriteFailure:
		return "PartialWriteFailure"
	default:
		return "Unknown"
	}
}

// Error is the structured error type returned by every unimem component.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error, attaching cause via github.com/pkg/errors so the
// resulting stack trace (when printed with %+v) points at the call site.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: pkgerrors.Wrap(cause, message)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !pkgerrors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// PartialWriteFailure builds the dual-write failure kind, naming which
// backend failed so the caller can target its retry.
func PartialWriteFailure(backend string, cause error) *Error {
	return Wrap(KindPartialWriteFailure, fmt.Sprintf("write to %s backend failed", backend), cause)
}
