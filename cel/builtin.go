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

package cel

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/contractshield/contractshield-go/core"
)

// BuiltinEvaluator evaluates a safe subset of CEL with a small hand-written
// parser; it never compiles or executes arbitrary code. Supported leaf
// forms:
//
//	identity.authenticated == true|false
//	<path> == <literal or path>
//	<path> != <literal or path>
//	<path> in [<literals>]
//	size(<path>) <op> <integer>     (op: == < <= > >=)
//	<path> <op> <number>            (op: < <= > >=)
//
// Leaves compose with " && " and " || ": && splits first, so || binds
// tighter within each conjunct. Parentheses are not supported. Unsupported
// expressions return a CELEvaluationError.
type BuiltinEvaluator struct{}

// NewBuiltinEvaluator returns the safe subset evaluator. It is stateless
// and safe for concurrent use.
func NewBuiltinEvaluator() *BuiltinEvaluator { return &BuiltinEvaluator{} }

// Evaluate implements Evaluator.
func (e *BuiltinEvaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)

	if strings.Contains(expression, " && ") {
		for _, part := range strings.Split(expression, " && ") {
			ok, err := e.Evaluate(part, ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if strings.Contains(expression, " || ") {
		for _, part := range strings.Split(expression, " || ") {
			ok, err := e.Evaluate(part, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	leaf, ok := parseLeaf(expression)
	if !ok {
		return false, &core.CELEvaluationError{
			Message:    "unsupported expression pattern",
			Expression: expression,
		}
	}
	return leaf.eval(ctx), nil
}

// ----------------------------------------------------------------------------
// Leaf parser
// ----------------------------------------------------------------------------

// leafExpr is one parsed predicate.
type leafExpr struct {
	kind  leafKind
	path  string
	op    string
	value any   // comparison literal or pathRef
	list  []any // membership candidates
	num   float64
	size  int
}

type leafKind int

const (
	leafCompare leafKind = iota // path == / != value
	leafMembership
	leafSize
	leafNumeric
)

// parser is a cursor over a leaf expression.
type parser struct {
	s   string
	pos int
}

func parseLeaf(expr string) (*leafExpr, bool) {
	p := &parser{s: expr}
	p.skipSpace()

	if p.consume("size(") {
		return p.parseSizeCheck()
	}

	path, ok := p.readPath()
	if !ok {
		return nil, false
	}
	p.skipSpace()

	if p.consumeWord("in") {
		return p.parseMembership(path)
	}

	op, ok := p.readOperator()
	if !ok {
		return nil, false
	}
	p.skipSpace()
	rhs := strings.TrimSpace(p.rest())
	if rhs == "" {
		return nil, false
	}

	switch op {
	case "==", "!=":
		return &leafExpr{kind: leafCompare, path: path, op: op, value: parseValue(rhs)}, true
	case "<", "<=", ">", ">=":
		num, err := strconv.ParseFloat(rhs, 64)
		if err != nil {
			return nil, false
		}
		return &leafExpr{kind: leafNumeric, path: path, op: op, num: num}, true
	}
	return nil, false
}

func (p *parser) parseSizeCheck() (*leafExpr, bool) {
	path, ok := p.readPath()
	if !ok || !p.consume(")") {
		return nil, false
	}
	p.skipSpace()
	op, ok := p.readOperator()
	if !ok {
		return nil, false
	}
	p.skipSpace()
	n, err := strconv.Atoi(strings.TrimSpace(p.rest()))
	if err != nil || n < 0 {
		return nil, false
	}
	return &leafExpr{kind: leafSize, path: path, op: op, size: n}, true
}

func (p *parser) parseMembership(path string) (*leafExpr, bool) {
	p.skipSpace()
	if !p.consume("[") {
		return nil, false
	}
	inner := strings.TrimSpace(p.rest())
	if !strings.HasSuffix(inner, "]") {
		return nil, false
	}
	list := parseList(inner[:len(inner)-1])
	if len(list) == 0 {
		return nil, false
	}
	return &leafExpr{kind: leafMembership, path: path, list: list}, true
}

func (p *parser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) consume(prefix string) bool {
	if strings.HasPrefix(p.s[p.pos:], prefix) {
		p.pos += len(prefix)
		return true
	}
	return false
}

// consumeWord consumes a keyword only when whitespace-delimited.
func (p *parser) consumeWord(word string) bool {
	rest := p.s[p.pos:]
	if strings.HasPrefix(rest, word) {
		after := rest[len(word):]
		if after == "" || after[0] == ' ' || after[0] == '[' {
			p.pos += len(word)
			return true
		}
	}
	return false
}

// readPath consumes a dotted identifier path: letters, digits, underscores,
// and dots.
func (p *parser) readPath() (string, bool) {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '_' || c == '.' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return "", false
	}
	return p.s[start:p.pos], true
}

func (p *parser) readOperator() (string, bool) {
	for _, op := range [...]string{"==", "!=", "<=", ">=", "<", ">"} {
		if p.consume(op) {
			return op, true
		}
	}
	return "", false
}

func (p *parser) rest() string { return p.s[p.pos:] }

// ----------------------------------------------------------------------------
// Leaf evaluation
// ----------------------------------------------------------------------------

func (l *leafExpr) eval(ctx map[string]any) bool {
	switch l.kind {
	case leafCompare:
		left := getPath(ctx, normalizePath(l.path))
		right := l.value
		if ref, ok := right.(pathRef); ok {
			right = getPath(ctx, normalizePath(string(ref)))
		}
		eq := looseEqual(left, right)
		if l.op == "!=" {
			return !eq
		}
		return eq
	case leafMembership:
		left := getPath(ctx, normalizePath(l.path))
		for _, want := range l.list {
			if looseEqual(left, want) {
				return true
			}
		}
		return false
	case leafSize:
		return compareFloats(float64(sizeOf(getPath(ctx, normalizePath(l.path)))), l.op, float64(l.size))
	case leafNumeric:
		// Missing or non-numeric values never satisfy the predicate.
		actual, ok := asFloat(getPath(ctx, normalizePath(l.path)))
		if !ok {
			return false
		}
		return compareFloats(actual, l.op, l.num)
	}
	return false
}

// normalizePath rewrites the request.body.<field> shorthand to the parsed
// body location, request.body.json.<field>. Explicit .json. paths and the
// body metadata fields pass through.
func normalizePath(path string) string {
	const prefix = "request.body."
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	switch {
	case rest == "json", strings.HasPrefix(rest, "json."),
		rest == "present", rest == "sizeBytes":
		return path
	}
	return prefix + "json." + rest
}

// getPath walks dot-separated keys through nested maps. A missing key or a
// non-map intermediate resolves to nil.
func getPath(ctx map[string]any, path string) any {
	var current any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok || current == nil {
			return nil
		}
	}
	return current
}

// pathRef marks an unquoted right-hand side that names a context path.
type pathRef string

// parseValue interprets a literal: booleans, null, quoted strings, numbers,
// context path references, and otherwise a bare string.
func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if isContextPath(s) {
		return pathRef(s)
	}
	return s
}

// isContextPath reports whether an unquoted token names a context location
// rather than a bare string literal.
func isContextPath(s string) bool {
	for _, root := range [...]string{"request.", "identity.", "client.", "runtime.", "webhook."} {
		if strings.HasPrefix(s, root) {
			return true
		}
	}
	return false
}

// parseList splits a bracketed literal list on commas outside quotes.
func parseList(s string) []any {
	var values []any
	var current strings.Builder
	inString := false
	var quote byte

	flush := func() {
		item := strings.TrimSpace(current.String())
		if item != "" {
			values = append(values, parseValue(item))
		}
		current.Reset()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c == '"' || c == '\'') && !inString:
			inString = true
			quote = c
			current.WriteByte(c)
		case inString && c == quote:
			inString = false
			current.WriteByte(c)
		case c == ',' && !inString:
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return values
}

// sizeOf mirrors CEL's size() for the types the context can hold: character
// count for strings, element count for lists and maps. nil has size zero.
func sizeOf(v any) int {
	switch tv := v.(type) {
	case nil:
		return 0
	case string:
		return utf8.RuneCountInString(tv)
	case []any:
		return len(tv)
	case map[string]any:
		return len(tv)
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	}
	return 0, false
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func compareFloats(actual float64, op string, expected float64) bool {
	switch op {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected
	case "==":
		return actual == expected
	case "!=":
		return actual != expected
	}
	return false
}
