// Copyright 2025 Tom Barlow
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

package errors

import "errors"

// IsUserError reports whether err (or anything it wraps) is classified
// under the UserError root.
func IsUserError(err error) bool {
	var c Classified
	if errors.As(err, &c) {
		return c.Root() == RootUserError
	}
	return false
}

// IsSystemError reports whether err is classified under the SystemError
// root. Unclassified errors are treated as system errors: the safe
// default is to assume the runtime is at fault.
func IsSystemError(err error) bool {
	return err != nil && !IsUserError(err)
}

// RootOf returns the root code of err. Unclassified errors resolve to
// SystemError.
func RootOf(err error) string {
	var c Classified
	if errors.As(err, &c) {
		return c.Root()
	}
	return RootSystemError
}

// HasCode reports whether err's code hierarchy contains code.
func HasCode(err error, code string) bool {
	var c Classified
	if !errors.As(err, &c) {
		return false
	}
	for _, h := range c.Hierarchy() {
		if h == code {
			return true
		}
	}
	return false
}

// Retryable reports whether an operation that failed with err should be
// retried. Only system errors are retryable; a user error will fail the
// same way on every attempt.
func Retryable(err error) bool {
	return IsSystemError(err)
}
