package tasks

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// MaxExpressionLength bounds calc input.
const MaxExpressionLength = 200

// maxExponent keeps 2**n from allocating without bound.
const maxExponent = 1024

var errDivByZero = errors.New("division by zero")

// Eval evaluates an arithmetic expression with + - * / // % ** and
// parentheses over exact rationals. Only numbers are accepted.
func Eval(expr string) (*big.Rat, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidPayload)
	}
	if len(expr) > MaxExpressionLength {
		return nil, fmt.Errorf("%w: expression too long", ErrInvalidPayload)
	}
	p := &calcParser{src: expr}
	v, err := p.expr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidPayload, p.src[p.pos:])
	}
	return v, nil
}

// FormatRat prints integers plainly and other values with up to ten decimals.
func FormatRat(v *big.Rat) string {
	if v.IsInt() {
		return v.Num().String()
	}
	s := v.FloatString(10)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func calc(payload string) (string, error) {
	v, err := Eval(payload)
	if err != nil {
		return "", err
	}
	return FormatRat(v), nil
}

type calcParser struct {
	src string
	pos int
}

func (p *calcParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *calcParser) accept(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

// expr := term (('+' | '-') term)*
func (p *calcParser) expr() (*big.Rat, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept("+"):
			right, err := p.term()
			if err != nil {
				return nil, err
			}
			left = new(big.Rat).Add(left, right)
		case p.accept("-"):
			right, err := p.term()
			if err != nil {
				return nil, err
			}
			left = new(big.Rat).Sub(left, right)
		default:
			return left, nil
		}
	}
}

// term := unary (('*' | '/' | '//' | '%') unary)*
func (p *calcParser) term() (*big.Rat, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		rest := p.src[p.pos:]
		var op string
		switch {
		case strings.HasPrefix(rest, "**"):
			return left, nil
		case strings.HasPrefix(rest, "//"):
			op = "//"
		case strings.HasPrefix(rest, "*"), strings.HasPrefix(rest, "/"), strings.HasPrefix(rest, "%"):
			op = rest[:1]
		default:
			return left, nil
		}
		p.pos += len(op)
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		if op != "*" && right.Sign() == 0 {
			return nil, errDivByZero
		}
		switch op {
		case "*":
			left = new(big.Rat).Mul(left, right)
		case "/":
			left = new(big.Rat).Quo(left, right)
		case "//":
			left = floorRat(new(big.Rat).Quo(left, right))
		case "%":
			q := floorRat(new(big.Rat).Quo(left, right))
			left = new(big.Rat).Sub(left, new(big.Rat).Mul(q, right))
		}
	}
}

// unary := ('+' | '-') unary | power
func (p *calcParser) unary() (*big.Rat, error) {
	if p.accept("+") {
		return p.unary()
	}
	if p.accept("-") {
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		return new(big.Rat).Neg(v), nil
	}
	return p.power()
}

// power := primary ('**' unary)?  (right-associative)
func (p *calcParser) power() (*big.Rat, error) {
	base, err := p.primary()
	if err != nil {
		return nil, err
	}
	if !p.accept("**") {
		return base, nil
	}
	exp, err := p.unary()
	if err != nil {
		return nil, err
	}
	if !exp.IsInt() || exp.Num().CmpAbs(big.NewInt(maxExponent)) > 0 {
		return nil, errors.New("exponent must be an integer up to 1024")
	}
	n := exp.Num().Int64()
	if n < 0 && base.Sign() == 0 {
		return nil, errDivByZero
	}
	num := new(big.Int).Exp(base.Num(), big.NewInt(abs(n)), nil)
	den := new(big.Int).Exp(base.Denom(), big.NewInt(abs(n)), nil)
	out := new(big.Rat).SetFrac(num, den)
	if n < 0 {
		out.Inv(out)
	}
	return out, nil
}

// primary := number | '(' expr ')'
func (p *calcParser) primary() (*big.Rat, error) {
	if p.accept("(") {
		v, err := p.expr()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, errors.New("missing )")
		}
		return v, nil
	}
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		if p.pos < len(p.src) {
			return nil, fmt.Errorf("unexpected %q", p.src[p.pos:p.pos+1])
		}
		return nil, errors.New("unexpected end of expression")
	}
	v, ok := new(big.Rat).SetString(p.src[start:p.pos])
	if !ok {
		return nil, fmt.Errorf("bad number %q", p.src[start:p.pos])
	}
	return v, nil
}

func floorRat(r *big.Rat) *big.Rat {
	// Denom is always positive, so Euclidean division floors.
	return new(big.Rat).SetInt(new(big.Int).Div(r.Num(), r.Denom()))
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
