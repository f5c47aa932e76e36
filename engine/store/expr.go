package store

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The local store has to honor the same boolean filter expressions the
// remote store accepts, so search results do not depend on which backend
// is active. This is a small evaluator for the subset the filter
// compiler emits: comparisons, `in` lists, and/or, and parentheses.

type exprNode interface {
	eval(get func(field string) (any, bool)) bool
}

type binaryNode struct {
	op          string // "and" or "or"
	left, right exprNode
}

func (n *binaryNode) eval(get func(string) (any, bool)) bool {
	if n.op == "and" {
		return n.left.eval(get) && n.right.eval(get)
	}
	return n.left.eval(get) || n.right.eval(get)
}

type compareNode struct {
	field string
	op    string // == != >= <= > <
	value literal
}

func (n *compareNode) eval(get func(string) (any, bool)) bool {
	v, ok := get(n.field)
	if !ok {
		return false
	}
	return compare(v, n.op, n.value)
}

type inNode struct {
	field  string
	values []literal
}

func (n *inNode) eval(get func(string) (any, bool)) bool {
	v, ok := get(n.field)
	if !ok {
		return false
	}
	for _, lit := range n.values {
		if compare(v, "==", lit) {
			return true
		}
	}
	return false
}

// literal is a string, float64, or bool constant from the expression.
type literal struct {
	str  string
	num  float64
	b    bool
	kind byte // 's', 'n', 'b'
}

func compare(v any, op string, lit literal) bool {
	switch lit.kind {
	case 's':
		s, ok := v.(string)
		if !ok {
			return false
		}
		switch op {
		case "==":
			return s == lit.str
		case "!=":
			return s != lit.str
		}
		return false
	case 'b':
		b, ok := v.(bool)
		if !ok {
			return false
		}
		switch op {
		case "==":
			return b == lit.b
		case "!=":
			return b != lit.b
		}
		return false
	default:
		var f float64
		switch n := v.(type) {
		case int:
			f = float64(n)
		case int32:
			f = float64(n)
		case int64:
			f = float64(n)
		case float32:
			f = float64(n)
		case float64:
			f = n
		default:
			return false
		}
		switch op {
		case "==":
			return f == lit.num
		case "!=":
			return f != lit.num
		case ">=":
			return f >= lit.num
		case "<=":
			return f <= lit.num
		case ">":
			return f > lit.num
		case "<":
			return f < lit.num
		}
		return false
	}
}

// parseExpr parses a filter expression. Empty input means match-all and
// returns a nil node.
func parseExpr(input string) (exprNode, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}
	p := &parser{toks: lex(input)}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("filter expr: trailing input at %q", p.peek().text)
	}
	return node, nil
}

type token struct {
	kind byte // 'i' ident, 's' string, 'n' number, 'o' operator, 'p' punct
	text string
}

func lex(s string) []token {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(' || c == ')' || c == '[' || c == ']' || c == ',':
			toks = append(toks, token{'p', string(c)})
			i++
		case c == '\'':
			j := i + 1
			for j < len(s) && s[j] != '\'' {
				j++
			}
			if j >= len(s) {
				toks = append(toks, token{'s', s[i+1:]})
				i = len(s)
			} else {
				toks = append(toks, token{'s', s[i+1 : j]})
				i = j + 1
			}
		case c == '"':
			j := i + 1
			for j < len(s) && s[j] != '"' {
				j++
			}
			if j >= len(s) {
				toks = append(toks, token{'s', s[i+1:]})
				i = len(s)
			} else {
				toks = append(toks, token{'s', s[i+1 : j]})
				i = j + 1
			}
		case strings.ContainsRune("=!<>", rune(c)):
			j := i + 1
			if j < len(s) && s[j] == '=' {
				j++
			}
			toks = append(toks, token{'o', s[i:j]})
			i = j
		case c == '-' || c == '.' || unicode.IsDigit(rune(c)):
			j := i + 1
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.' || s[j] == 'e' || s[j] == '-' || s[j] == '+') {
				j++
			}
			toks = append(toks, token{'n', s[i:j]})
			i = j
		default:
			j := i
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_') {
				j++
			}
			if j == i {
				j++ // unknown byte, consume so lexing terminates
			}
			toks = append(toks, token{'i', s[i:j]})
			i = j
		}
	}
	return toks
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) acceptKeyword(kw string) bool {
	t := p.peek()
	if t.kind == 'i' && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("and") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (exprNode, error) {
	if t := p.peek(); t.kind == 'p' && t.text == "(" {
		p.next()
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != 'p' || t.text != ")" {
			return nil, fmt.Errorf("filter expr: expected ')' near %q", t.text)
		}
		return node, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (exprNode, error) {
	field := p.next()
	if field.kind != 'i' {
		return nil, fmt.Errorf("filter expr: expected field name, got %q", field.text)
	}

	if p.acceptKeyword("in") {
		if t := p.next(); t.kind != 'p' || t.text != "[" {
			return nil, fmt.Errorf("filter expr: expected '[' after in, got %q", t.text)
		}
		var values []literal
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			values = append(values, lit)
			t := p.next()
			if t.kind == 'p' && t.text == "," {
				continue
			}
			if t.kind == 'p' && t.text == "]" {
				break
			}
			return nil, fmt.Errorf("filter expr: expected ',' or ']', got %q", t.text)
		}
		return &inNode{field: field.text, values: values}, nil
	}

	op := p.next()
	if op.kind != 'o' {
		return nil, fmt.Errorf("filter expr: expected operator after %q, got %q", field.text, op.text)
	}
	switch op.text {
	case "==", "!=", ">=", "<=", ">", "<":
	default:
		return nil, fmt.Errorf("filter expr: unsupported operator %q", op.text)
	}
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &compareNode{field: field.text, op: op.text, value: lit}, nil
}

func (p *parser) parseLiteral() (literal, error) {
	t := p.next()
	switch t.kind {
	case 's':
		return literal{kind: 's', str: t.text}, nil
	case 'n':
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return literal{}, fmt.Errorf("filter expr: bad number %q", t.text)
		}
		return literal{kind: 'n', num: f}, nil
	case 'i':
		switch strings.ToLower(t.text) {
		case "true":
			return literal{kind: 'b', b: true}, nil
		case "false":
			return literal{kind: 'b', b: false}, nil
		}
	}
	return literal{}, fmt.Errorf("filter expr: expected literal, got %q", t.text)
}
