// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package errs carries the small set of domain error codes
// that cross package boundaries (corruption, contention,
// integrity, logic), so callers can pattern-match on Code
// with errors.As instead of walking an exception hierarchy.
// I/O failures carry ReadingFailed or WritingFailed, wrapping
// the underlying error.
package errs

import "errors"

// Code names one of the store's domain error kinds.
type Code string

const (
	Closed            Code = "Closed"
	FileCorrupt       Code = "FileCorrupt"
	FileLocked        Code = "FileLocked"
	UnsupportedFormat Code = "UnsupportedFormat"
	ReadingFailed     Code = "ReadingFailed"
	WritingFailed     Code = "WritingFailed"
	ChunkNotFound     Code = "ChunkNotFound"
	Internal          Code = "Internal"
	TxLocked          Code = "TxLocked"
	TxDeadlock        Code = "TxDeadlock"
	DuplicateKey      Code = "DuplicateKey"
	ConcurrentUpdate  Code = "ConcurrentUpdate"
	RowNotFound       Code = "RowNotFound"
	LockTimeout       Code = "LockTimeout"
)

// Error is a domain error tagged with a Code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap builds an Error with the given code that wraps cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
