package policy

import (
	"errors"
	"fmt"
	"strconv"
)

// Expressions used by time-based rules are a small integer/boolean language:
//
//	expr    = or
//	or      = and { "||" and }
//	and     = cmp { "&&" cmp }
//	cmp     = sum [ ("=="|"!="|"<"|"<="|">"|">=") sum ]
//	sum     = product { ("+"|"-") product }
//	product = unary { ("*"|"/"|"%") unary }
//	unary   = ("!"|"-") unary | primary
//	primary = integer | identifier | "(" expr ")"
//
// Identifiers are bound by the caller; anything else is a parse error.

var errEval = errors.New("policy: expression evaluation failed")

type valueKind uint8

const (
	kindInt valueKind = iota
	kindBool
)

type value struct {
	kind valueKind
	n    int64
	b    bool
}

func intVal(n int64) value { return value{kind: kindInt, n: n} }
func boolVal(b bool) value { return value{kind: kindBool, b: b} }

type node interface {
	eval(env map[string]int64) (value, error)
}

type literal struct{ v value }

func (l literal) eval(map[string]int64) (value, error) { return l.v, nil }

type ident struct{ name string }

func (i ident) eval(env map[string]int64) (value, error) {
	n, ok := env[i.name]
	if !ok {
		return value{}, fmt.Errorf("%w: unbound identifier %q", errEval, i.name)
	}
	return intVal(n), nil
}

type unary struct {
	op string
	x  node
}

func (u unary) eval(env map[string]int64) (value, error) {
	v, err := u.x.eval(env)
	if err != nil {
		return value{}, err
	}
	switch u.op {
	case "!":
		if v.kind != kindBool {
			return value{}, fmt.Errorf("%w: ! needs a boolean", errEval)
		}
		return boolVal(!v.b), nil
	case "-":
		if v.kind != kindInt {
			return value{}, fmt.Errorf("%w: - needs an integer", errEval)
		}
		return intVal(-v.n), nil
	}
	return value{}, fmt.Errorf("%w: unknown operator %s", errEval, u.op)
}

type binary struct {
	op   string
	l, r node
}

func (b binary) eval(env map[string]int64) (value, error) {
	l, err := b.l.eval(env)
	if err != nil {
		return value{}, err
	}
	switch b.op {
	case "&&", "||":
		if l.kind != kindBool {
			return value{}, fmt.Errorf("%w: %s needs booleans", errEval, b.op)
		}
		if b.op == "&&" && !l.b {
			return boolVal(false), nil
		}
		if b.op == "||" && l.b {
			return boolVal(true), nil
		}
		r, err := b.r.eval(env)
		if err != nil {
			return value{}, err
		}
		if r.kind != kindBool {
			return value{}, fmt.Errorf("%w: %s needs booleans", errEval, b.op)
		}
		return boolVal(r.b), nil
	}

	r, err := b.r.eval(env)
	if err != nil {
		return value{}, err
	}
	if b.op == "==" || b.op == "!=" {
		if l.kind != r.kind {
			return value{}, fmt.Errorf("%w: %s on mixed types", errEval, b.op)
		}
		eq := l.n == r.n && l.b == r.b
		if b.op == "!=" {
			eq = !eq
		}
		return boolVal(eq), nil
	}
	if l.kind != kindInt || r.kind != kindInt {
		return value{}, fmt.Errorf("%w: %s needs integers", errEval, b.op)
	}
	switch b.op {
	case "<":
		return boolVal(l.n < r.n), nil
	case "<=":
		return boolVal(l.n <= r.n), nil
	case ">":
		return boolVal(l.n > r.n), nil
	case ">=":
		return boolVal(l.n >= r.n), nil
	case "+":
		return intVal(l.n + r.n), nil
	case "-":
		return intVal(l.n - r.n), nil
	case "*":
		return intVal(l.n * r.n), nil
	case "/", "%":
		if r.n == 0 {
			return value{}, fmt.Errorf("%w: division by zero", errEval)
		}
		if b.op == "/" {
			return intVal(l.n / r.n), nil
		}
		return intVal(l.n % r.n), nil
	}
	return value{}, fmt.Errorf("%w: unknown operator %s", errEval, b.op)
}

// Expr is a compiled boolean expression.
type Expr struct {
	src  string
	root node
}

// Eval evaluates the expression against env. Non-boolean results are errors.
func (e *Expr) Eval(env map[string]int64) (bool, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return false, err
	}
	if v.kind != kindBool {
		return false, fmt.Errorf("%w: %q is not a boolean expression", errEval, e.src)
	}
	return v.b, nil
}

func (e *Expr) String() string { return e.src }

// ParseExpr compiles src. Identifiers outside allowed are rejected.
func ParseExpr(src string, allowed ...string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, allowed: make(map[string]struct{}, len(allowed))}
	for _, name := range allowed {
		p.allowed[name] = struct{}{}
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return &Expr{src: src, root: root}, nil
}

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokInt
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type tok struct {
	kind tokKind
	text string
	pos  int
}

var twoCharOps = map[string]struct{}{
	"&&": {}, "||": {}, "==": {}, "!=": {}, "<=": {}, ">=": {},
}

func lex(src string) ([]tok, error) {
	var out []tok
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && src[i] >= '0' && src[i] <= '9' {
				i++
			}
			out = append(out, tok{kind: tokInt, text: src[start:i], pos: start})
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			start := i
			for i < len(src) && (src[i] == '_' || (src[i] >= 'a' && src[i] <= 'z') || (src[i] >= 'A' && src[i] <= 'Z') || (src[i] >= '0' && src[i] <= '9')) {
				i++
			}
			out = append(out, tok{kind: tokIdent, text: src[start:i], pos: start})
		case c == '(':
			out = append(out, tok{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			out = append(out, tok{kind: tokRParen, text: ")", pos: i})
			i++
		default:
			if i+1 < len(src) {
				if _, ok := twoCharOps[src[i:i+2]]; ok {
					out = append(out, tok{kind: tokOp, text: src[i : i+2], pos: i})
					i += 2
					continue
				}
			}
			switch c {
			case '+', '-', '*', '/', '%', '<', '>', '!':
				out = append(out, tok{kind: tokOp, text: string(c), pos: i})
				i++
			default:
				return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrInvalidPolicy, c, i)
			}
		}
	}
	return append(out, tok{kind: tokEOF, pos: len(src)}), nil
}

type parser struct {
	toks    []tok
	i       int
	allowed map[string]struct{}
	depth   int
}

const maxDepth = 64

func (p *parser) peek() tok { return p.toks[p.i] }

func (p *parser) next() tok {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: at %d: %s", ErrInvalidPolicy, p.peek().pos, fmt.Sprintf(format, args...))
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return l, nil
		}
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = binary{op: "||", l: l, r: r}
	}
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return l, nil
		}
		r, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		l = binary{op: "&&", l: l, r: r}
	}
}

func (p *parser) parseCmp() (node, error) {
	l, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">"); ok {
		r, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return binary{op: op, l: l, r: r}, nil
	}
	return l, nil
}

func (p *parser) parseSum() (node, error) {
	l, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return l, nil
		}
		r, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		l = binary{op: op, l: l, r: r}
	}
}

func (p *parser) parseProduct() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return l, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = binary{op: op, l: l, r: r}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		p.depth++
		if p.depth > maxDepth {
			return nil, p.errorf("expression nested too deeply")
		}
		x, err := p.parseUnary()
		p.depth--
		if err != nil {
			return nil, err
		}
		return unary{op: op, x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokInt:
		p.next()
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: integer %q out of range", ErrInvalidPolicy, t.text)
		}
		return literal{v: intVal(n)}, nil
	case tokIdent:
		p.next()
		switch t.text {
		case "true":
			return literal{v: boolVal(true)}, nil
		case "false":
			return literal{v: boolVal(false)}, nil
		}
		if _, ok := p.allowed[t.text]; !ok {
			return nil, fmt.Errorf("%w: unknown identifier %q", ErrInvalidPolicy, t.text)
		}
		return ident{name: t.text}, nil
	case tokLParen:
		p.next()
		p.depth++
		if p.depth > maxDepth {
			return nil, p.errorf("expression nested too deeply")
		}
		inner, err := p.parseOr()
		p.depth--
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf("expected )")
		}
		p.next()
		return inner, nil
	case tokEOF:
		return nil, p.errorf("unexpected end of expression")
	}
	return nil, p.errorf("unexpected %q", t.text)
}
