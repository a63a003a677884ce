// Copyright (c) 2026 John Earle
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

package gmail

import (
	"errors"
	"fmt"
)

// ErrCursorExpired signals that a stored history cursor has fallen out of
// the provider's retention window and a precise diff is impossible. The
// caller must reset to the current baseline.
var ErrCursorExpired = errors.New("history cursor expired")

// ErrNotFound signals that a message vanished between notification and
// fetch. Not a loss the user needs to know about.
var ErrNotFound = errors.New("message not found")

// retryableError marks transient provider failures (rate limit, outage,
// network) that are worth retrying without advancing any cursor.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return "retryable: " + e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	return &retryableError{err: err}
}

// IsRetryable reports whether err (or anything it wraps) is transient.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// statusError is a non-2xx provider response.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gmail API returned HTTP %d for %s", e.code, e.url)
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	return code == 429 || code == 408 || code >= 500
}
