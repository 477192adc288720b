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

// Package webhook verifies provider HMAC signatures over raw request bodies
// and applies timestamp-window replay checks. Supported providers: stripe,
// github, slack, twilio.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/contractshield/contractshield-go/core"
)

// DefaultTolerance is the timestamp window when a policy sets none.
const DefaultTolerance = 300 * time.Second

// Request carries what the verifiers need from the HTTP request. Headers
// use lower-case keys. Body is the exact raw bytes the sender signed over.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Now     time.Time
}

// Verification is the outcome of a signature and replay check.
type Verification struct {
	SignatureValid bool
	// TimestampKnown reports whether the provider scheme carries a signed
	// timestamp; Replayed is meaningful only when it does.
	TimestampKnown bool
	Replayed       bool
	Reason         string
}

// ResolveSecret picks the inline secret or reads the environment variable
// named by secretRef.
func ResolveSecret(secret, secretRef string) (string, error) {
	if secret != "" {
		return secret, nil
	}
	if secretRef != "" {
		if v := os.Getenv(secretRef); v != "" {
			return v, nil
		}
		return "", core.NewConfigurationError("webhook secret env %s is not set", secretRef)
	}
	return "", core.NewConfigurationError("webhook config needs secret or secretRef")
}

// Verify dispatches to a provider verifier. Unknown providers are a
// configuration error; a bad signature is a normal false result.
func Verify(provider, secret string, tolerance time.Duration, req Request) (Verification, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	switch strings.ToLower(provider) {
	case "stripe":
		return verifyStripe(secret, tolerance, req), nil
	case "github":
		return verifyGitHub(secret, req), nil
	case "slack":
		return verifySlack(secret, tolerance, req), nil
	case "twilio":
		return verifyTwilio(secret, req), nil
	}
	return Verification{}, core.NewConfigurationError("unknown webhook provider %q", provider)
}

// verifyStripe checks the Stripe-Signature header: comma-separated
// t=<unix>,v1=<hex> pairs, HMAC-SHA256 over "<t>.<body>". Any matching v1
// is accepted.
func verifyStripe(secret string, tolerance time.Duration, req Request) Verification {
	header := req.Headers["stripe-signature"]
	if header == "" {
		return Verification{Reason: "missing Stripe-Signature header"}
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return Verification{Reason: "malformed Stripe-Signature header"}
	}

	expected := hmacSHA256Hex(secret, ts+"."+string(req.Body))
	valid := false
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			valid = true
			break
		}
	}
	v := Verification{SignatureValid: valid, TimestampKnown: true}
	if !valid {
		v.Reason = "signature mismatch"
		return v
	}
	if replayed, reason := checkTimestamp(ts, tolerance, req.Now); replayed {
		v.Replayed = true
		v.Reason = reason
	}
	return v
}

// verifyGitHub checks X-Hub-Signature-256: "sha256=<hex>" over the body.
// The scheme carries no timestamp, so there is no replay window.
func verifyGitHub(secret string, req Request) Verification {
	header := req.Headers["x-hub-signature-256"]
	if header == "" {
		return Verification{Reason: "missing X-Hub-Signature-256 header"}
	}
	sig := strings.TrimPrefix(header, "sha256=")
	if sig == header {
		return Verification{Reason: "malformed X-Hub-Signature-256 header"}
	}
	expected := hmacSHA256Hex(secret, string(req.Body))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Verification{Reason: "signature mismatch"}
	}
	return Verification{SignatureValid: true}
}

// verifySlack checks X-Slack-Signature: "v0=<hex>" over
// "v0:<timestamp>:<body>" with the timestamp from
// X-Slack-Request-Timestamp.
func verifySlack(secret string, tolerance time.Duration, req Request) Verification {
	sigHeader := req.Headers["x-slack-signature"]
	ts := req.Headers["x-slack-request-timestamp"]
	if sigHeader == "" || ts == "" {
		return Verification{Reason: "missing Slack signature headers"}
	}
	sig := strings.TrimPrefix(sigHeader, "v0=")
	if sig == sigHeader {
		return Verification{Reason: "malformed X-Slack-Signature header"}
	}

	expected := hmacSHA256Hex(secret, "v0:"+ts+":"+string(req.Body))
	v := Verification{TimestampKnown: true}
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		v.Reason = "signature mismatch"
		return v
	}
	v.SignatureValid = true
	if replayed, reason := checkTimestamp(ts, tolerance, req.Now); replayed {
		v.Replayed = true
		v.Reason = reason
	}
	return v
}

// verifyTwilio checks X-Twilio-Signature: base64 HMAC-SHA1 over the full
// request URL followed by the raw body. No signed timestamp.
func verifyTwilio(secret string, req Request) Verification {
	header := req.Headers["x-twilio-signature"]
	if header == "" {
		return Verification{Reason: "missing X-Twilio-Signature header"}
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(req.URL))
	mac.Write(req.Body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return Verification{Reason: "signature mismatch"}
	}
	return Verification{SignatureValid: true}
}

// checkTimestamp flags timestamps outside the tolerance window on either
// side of now.
func checkTimestamp(ts string, tolerance time.Duration, now time.Time) (bool, string) {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return true, "unparseable signature timestamp"
	}
	age := now.Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return true, "signature timestamp outside tolerance window"
	}
	return false, ""
}

func hmacSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
