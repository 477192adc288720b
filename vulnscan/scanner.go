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

// Package vulnscan walks JSON request bodies through a set of per-family
// heuristic detectors and reports findings in traversal order.
package vulnscan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/contractshield/contractshield-go/core"
)

// Finding is one detector hit at a JSON-pointer path in the body.
type Finding struct {
	ID       string        `json:"id"`
	Severity core.Severity `json:"severity"`
	Path     string        `json:"path"`
	Value    string        `json:"value,omitempty"`
	Message  string        `json:"message"`
}

// Config toggles the detector families. SQLi and XSS default on via
// DefaultConfig; the noisier families are opt-in at the policy layer.
type Config struct {
	SQLi               bool
	XSS                bool
	SSRFInternal       bool
	PathTraversal      bool
	PrototypePollution bool
	NoSQLInjection     bool
	CommandInjection   bool
}

// DefaultConfig matches the default policy toggles.
func DefaultConfig() Config {
	return Config{
		SQLi:               true,
		XSS:                true,
		SSRFInternal:       true,
		PathTraversal:      true,
		PrototypePollution: true,
	}
}

// Scanner runs the enabled detectors over a body. It is stateless between
// scans and safe for concurrent use.
type Scanner struct {
	cfg Config
}

// New builds a scanner with the given toggles.
func New(cfg Config) *Scanner { return &Scanner{cfg: cfg} }

// Scan walks the raw JSON bytes depth-first and returns all findings.
// Walking the bytes rather than a decoded map keeps object keys in
// declaration order, so finding order is stable across runs. Invalid JSON
// yields no findings; the body parse step reports that separately.
func (s *Scanner) Scan(raw []byte) []Finding {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	var findings []Finding
	if err := s.walkValue(dec, tok, "", &findings); err != nil {
		return findings
	}
	return findings
}

func (s *Scanner) walkValue(dec *json.Decoder, tok json.Token, path string, out *[]Finding) error {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				key, _ := keyTok.(string)
				childPath := path + "/" + escapePointer(key)
				s.checkKey(key, childPath, out)

				valTok, err := dec.Token()
				if err != nil {
					return err
				}
				if err := s.walkValue(dec, valTok, childPath, out); err != nil {
					return err
				}
			}
			_, err := dec.Token() // closing }
			return err
		case '[':
			for i := 0; dec.More(); i++ {
				valTok, err := dec.Token()
				if err != nil {
					return err
				}
				if err := s.walkValue(dec, valTok, fmt.Sprintf("%s/%d", path, i), out); err != nil {
					return err
				}
			}
			_, err := dec.Token() // closing ]
			return err
		}
	case string:
		s.checkString(t, path, out)
	}
	// Numbers, booleans, and nulls are not scanned.
	return nil
}

func (s *Scanner) checkKey(key, path string, out *[]Finding) {
	if s.cfg.PrototypePollution {
		if f := detectPrototypePollution(key, path); f != nil {
			*out = append(*out, *f)
		}
	}
	if s.cfg.NoSQLInjection {
		if f := detectNoSQLKey(key, path); f != nil {
			*out = append(*out, *f)
		}
	}
}

func (s *Scanner) checkString(value, path string, out *[]Finding) {
	if path == "" {
		path = "/"
	}
	if s.cfg.SQLi {
		if f := detectSQLi(value, path); f != nil {
			*out = append(*out, *f)
		}
	}
	if s.cfg.XSS {
		if f := detectXSS(value, path); f != nil {
			*out = append(*out, *f)
		}
	}
	if s.cfg.SSRFInternal {
		if f := detectSSRF(value, path); f != nil {
			*out = append(*out, *f)
		}
	}
	if s.cfg.PathTraversal {
		if f := detectPathTraversal(value, path); f != nil {
			*out = append(*out, *f)
		}
	}
	if s.cfg.NoSQLInjection {
		if f := detectNoSQLValue(value, path); f != nil {
			*out = append(*out, *f)
		}
	}
	if s.cfg.CommandInjection {
		if f := detectCommandInjection(value, path); f != nil {
			*out = append(*out, *f)
		}
	}
}

// ToRuleHits converts findings to the reducer's hit shape, preserving
// order.
func ToRuleHits(findings []Finding) []core.RuleHit {
	hits := make([]core.RuleHit, 0, len(findings))
	for _, f := range findings {
		hits = append(hits, core.RuleHit{
			ID:       f.ID,
			Severity: f.Severity,
			Message:  f.Message,
			Path:     f.Path,
			Value:    f.Value,
		})
	}
	return hits
}

func escapePointer(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}
