/*
 * Copyright (c) 2025, ContractShield contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package core

import "fmt"

// ConfigurationError reports invalid policy or OpenAPI input at load time.
// Construction fails; the pipeline never starts with a bad configuration.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// PolicyError reports policy parsing failures, including unsupported policy
// versions. Fatal at load.
type PolicyError struct {
	Message       string
	PolicyVersion string
	RouteID       string
}

func (e *PolicyError) Error() string { return "policy error: " + e.Message }

// CELEvaluationError reports an unsupported or failing expression. The
// driver records it as a low-severity hit; it never aborts the pipeline.
type CELEvaluationError struct {
	Message    string
	Expression string
}

func (e *CELEvaluationError) Error() string {
	return fmt.Sprintf("cel evaluation error: %s (expression: %q)", e.Message, e.Expression)
}

// BodyParseError reports a JSON parse failure on a JSON content type.
// In enforce mode the driver answers with a 400 block; in monitor mode the
// request is forwarded without evaluation.
type BodyParseError struct {
	Err error
}

func (e *BodyParseError) Error() string { return "invalid JSON body: " + e.Err.Error() }

func (e *BodyParseError) Unwrap() error { return e.Err }

// PayloadTooLargeError reports a body exceeding the configured limit.
type PayloadTooLargeError struct {
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %d bytes", e.Limit)
}
