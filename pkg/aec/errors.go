// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package aec

import (
	"errors"
)

// Error is an echo canceller error carrying the numeric code reported by get_error_code style APIs.
type Error struct {
	Code    int
	message string
}

func (e *Error) Error() string {
	return e.message
}

var (
	ErrUnspecified         = &Error{Code: 12000, message: "aec: unspecified error"}
	ErrUnsupportedFunction = &Error{Code: 12001, message: "aec: unsupported function"}
	ErrUninitialized       = &Error{Code: 12002, message: "aec: not initialized"}
	ErrNullPointer         = &Error{Code: 12003, message: "aec: missing buffer"}
	ErrBadParameter        = &Error{Code: 12004, message: "aec: bad parameter"}

	// ErrBadParameterWarning is returned after a call that clamped an input and kept processing.
	ErrBadParameterWarning = &Error{Code: 12050, message: "aec: parameter out of range, clamped"}

	ErrInvalidCapacity = errors.New("ring buffer capacity must be positive")
)

// IsWarning reports whether err is non-fatal, i.e. the call completed with a clamped value.
func IsWarning(err error) bool {
	return errors.Is(err, ErrBadParameterWarning)
}

// ErrorCode returns the legacy numeric code of err, 0 for nil and -1 for foreign errors.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var aecErr *Error
	if errors.As(err, &aecErr) {
		return aecErr.Code
	}
	return -1
}
