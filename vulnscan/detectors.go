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

package vulnscan

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/contractshield/contractshield-go/core"
)

// Finding IDs, one per detector family.
const (
	IDSQLi               = "vuln.sqli"
	IDXSS                = "vuln.xss"
	IDSSRF               = "vuln.ssrf"
	IDPathTraversal      = "vuln.path_traversal"
	IDPrototypePollution = "vuln.proto_pollution"
	IDNoSQLInjection     = "vuln.nosql_injection"
	IDCommandInjection   = "vuln.command_injection"
)

var sqliPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b[\s\S]*\bselect\b`),
	regexp.MustCompile(`(?i)\bselect\b[\s\S]+\bfrom\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b`),
	regexp.MustCompile(`(?i)\b(?:drop|truncate|alter)\s+table\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	regexp.MustCompile(`(?i)['"]\s*or\s+['"]?\d+['"]?\s*=\s*['"]?\d+`),
	regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
	regexp.MustCompile(`(?i)'\s*--`),
	regexp.MustCompile(`(?i);\s*--`),
	regexp.MustCompile(`(?i)\bsleep\s*\(\s*\d+\s*\)`),
}

func detectSQLi(value, path string) *Finding {
	for _, p := range sqliPatterns {
		if p.MatchString(value) {
			return &Finding{
				ID:       IDSQLi,
				Severity: core.SeverityHigh,
				Path:     path,
				Value:    core.TruncateValue(value),
				Message:  "SQL injection pattern detected",
			}
		}
	}
	return nil
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)<\s*(?:iframe|object|embed)\b`),
	regexp.MustCompile(`(?i)\bon(?:error|load|click|mouseover|focus)\s*=`),
	regexp.MustCompile(`(?i)<\s*img\b[^>]*\bon\w+\s*=`),
}

func detectXSS(value, path string) *Finding {
	for _, p := range xssPatterns {
		if p.MatchString(value) {
			return &Finding{
				ID:       IDXSS,
				Severity: core.SeverityHigh,
				Path:     path,
				Value:    core.TruncateValue(value),
				Message:  "cross-site scripting pattern detected",
			}
		}
	}
	return nil
}

var urlScheme = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

var metadataHosts = map[string]bool{
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

// detectSSRF flags scheme-prefixed values whose host resolves to loopback,
// private, link-local, or cloud-metadata address space.
func detectSSRF(value, path string) *Finding {
	if !urlScheme.MatchString(value) {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil
	}

	internal := host == "localhost" || strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".internal") || metadataHosts[host]
	if !internal {
		if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
			internal = ip.IsLoopback() || ip.IsPrivate() ||
				ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
				ip.IsUnspecified()
		}
	}
	if !internal {
		return nil
	}
	return &Finding{
		ID:       IDSSRF,
		Severity: core.SeverityCritical,
		Path:     path,
		Value:    core.TruncateValue(value),
		Message:  "URL targets internal or metadata address space",
	}
}

var absolutePathPrefixes = []string{
	"/etc/", "/proc/", "/sys/", "/root/", "/var/log/",
	`c:\`, `c:/`, `\\`,
}

func detectPathTraversal(value, path string) *Finding {
	lower := strings.ToLower(value)
	hit := strings.Contains(value, "../") || strings.Contains(value, `..\`) ||
		strings.Contains(lower, "%2e%2e%2f") || strings.Contains(lower, "..%2f")
	if !hit {
		for _, prefix := range absolutePathPrefixes {
			if strings.HasPrefix(lower, prefix) {
				hit = true
				break
			}
		}
	}
	if !hit {
		return nil
	}
	return &Finding{
		ID:       IDPathTraversal,
		Severity: core.SeverityHigh,
		Path:     path,
		Value:    core.TruncateValue(value),
		Message:  "path traversal pattern detected",
	}
}

var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

func detectPrototypePollution(key, path string) *Finding {
	if !dangerousKeys[key] {
		return nil
	}
	return &Finding{
		ID:       IDPrototypePollution,
		Severity: core.SeverityCritical,
		Path:     path,
		Value:    core.TruncateValue(key),
		Message:  "prototype pollution key detected",
	}
}

var nosqlOperators = map[string]bool{
	"$where": true, "$ne": true, "$gt": true, "$gte": true,
	"$lt": true, "$lte": true, "$regex": true, "$or": true,
	"$and": true, "$not": true, "$nin": true, "$in": true,
	"$exists": true, "$expr": true,
}

func detectNoSQLKey(key, path string) *Finding {
	if !nosqlOperators[strings.ToLower(key)] {
		return nil
	}
	return &Finding{
		ID:       IDNoSQLInjection,
		Severity: core.SeverityHigh,
		Path:     path,
		Value:    core.TruncateValue(key),
		Message:  "NoSQL operator in object key",
	}
}

var nosqlValuePattern = regexp.MustCompile(`(?i)[{,]\s*["']\$(?:where|ne|gt|lt|regex|or|and|expr)\b`)

func detectNoSQLValue(value, path string) *Finding {
	if !nosqlValuePattern.MatchString(value) {
		return nil
	}
	return &Finding{
		ID:       IDNoSQLInjection,
		Severity: core.SeverityHigh,
		Path:     path,
		Value:    core.TruncateValue(value),
		Message:  "NoSQL operator in string value",
	}
}

var commandPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?i)(?:;|\\||&&|`|\\$\\()\\s*(?:cat|ls|rm|mv|cp|wget|curl|sh|bash|zsh|nc|ncat|chmod|chown|whoami|id|uname|python|perl)\\b"),
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile(`(?i)\b(?:/bin/|/usr/bin/)(?:sh|bash|zsh)\b`),
}

func detectCommandInjection(value, path string) *Finding {
	for _, p := range commandPatterns {
		if p.MatchString(value) {
			return &Finding{
				ID:       IDCommandInjection,
				Severity: core.SeverityCritical,
				Path:     path,
				Value:    core.TruncateValue(value),
				Message:  "command injection pattern detected",
			}
		}
	}
	return nil
}
