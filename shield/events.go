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

package shield

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/contractshield/contractshield-go/core"
)

// DecisionEvent is the record emitted to the log sink, the callback, and the
// learning output once per evaluated request.
type DecisionEvent struct {
	Action     core.Action    `json:"action"`
	StatusCode int            `json:"statusCode"`
	Reason     string         `json:"reason,omitempty"`
	RuleHits   []core.RuleHit `json:"ruleHits"`
	Risk       core.RiskScore `json:"risk"`
	RequestID  string         `json:"requestId"`
	DurationMs float64        `json:"durationMs"`
	Method     string         `json:"method"`
	Path       string         `json:"path"`
}

// learningLog appends one JSON line per decision, for offline policy
// authoring.
type learningLog struct {
	mu sync.Mutex
	f  *os.File
}

func openLearningLog(path string) (*learningLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &learningLog{f: f}, nil
}

func (l *learningLog) record(event DecisionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.NewEncoder(l.f).Encode(event)
}

func (l *learningLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
