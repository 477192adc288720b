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

package schema

import (
	"regexp"
	"time"
)

var (
	uuidPattern  = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	emailPattern = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)
)

// checkUUID accepts RFC 4122 UUIDs, versions 1 through 5.
func checkUUID(v any) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	return uuidPattern.MatchString(s)
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
}

// checkDateTime accepts ISO-8601 timestamps, with or without an offset.
func checkDateTime(v any) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	for _, layout := range dateTimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// checkEmail requires a single @ with a dotted domain. It is deliberately
// loose; full RFC 5322 parsing is not the contract here.
func checkEmail(v any) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	return emailPattern.MatchString(s)
}
