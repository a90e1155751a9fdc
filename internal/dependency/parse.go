// Package dependency parses Slurm dependency expressions and decides whether
// they are satisfied.
package dependency

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMixedOperators = errors.New("dependency mixes ',' and '?'")
	ErrUnknownType    = errors.New("unknown dependency type")
	ErrSyntax         = errors.New("malformed dependency")
)

type Type string

const (
	After            Type = "after"
	AfterOK          Type = "afterok"
	AfterNotOK       Type = "afternotok"
	AfterAny         Type = "afterany"
	AfterCorr        Type = "aftercorr"
	AfterBurstBuffer Type = "afterburstbuffer"
	Singleton        Type = "singleton"
)

func (t Type) valid() bool {
	switch t {
	case After, AfterOK, AfterNotOK, AfterAny, AfterCorr, AfterBurstBuffer, Singleton:
		return true
	}
	return false
}

const arrayWildcard = "_*"

type Operator string

const (
	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
)

type Clause struct {
	Type          Type              `json:"type"`
	JobIDs        []string          `json:"jobIds"`
	StatusMarkers map[string]string `json:"statusMarkers,omitempty"`
	DelayMinutes  map[string]int64  `json:"delayMinutes,omitempty"`
}

type Spec struct {
	Operator Operator `json:"operator"`
	Clauses  []Clause `json:"clauses"`
}

func (s Spec) Empty() bool {
	return len(s.Clauses) == 0
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokColon
	tokPlus
	tokStatus
	tokComma
	tokQuestion
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '*' || c == '.'
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == ':':
			out = append(out, token{kind: tokColon, pos: i})
			i++
		case c == '+':
			out = append(out, token{kind: tokPlus, pos: i})
			i++
		case c == ',':
			out = append(out, token{kind: tokComma, pos: i})
			i++
		case c == '?':
			out = append(out, token{kind: tokQuestion, pos: i})
			i++
		case c == '(':
			end := strings.IndexByte(s[i:], ')')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed '(' at %d", ErrSyntax, i)
			}
			out = append(out, token{kind: tokStatus, text: s[i+1 : i+end], pos: i})
			i += end + 1
		case isWordByte(c):
			start := i
			for i < len(s) && isWordByte(s[i]) {
				i++
			}
			out = append(out, token{kind: tokWord, text: s[start:i], pos: start})
		default:
			return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, c, i)
		}
	}
	return out, nil
}

// Parse reads a dependency expression such as
// "afterok:123:456,afterany:789_*(unfulfilled)" or "after:12+30?singleton".
// Empty input and "(null)" give an empty Spec.
func Parse(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	spec := Spec{Operator: OpAnd}
	if s == "" || s == "(null)" || strings.EqualFold(s, "none") {
		return spec, nil
	}
	toks, err := tokenize(s)
	if err != nil {
		return Spec{}, err
	}
	p := &parser{toks: toks}
	sep := tokenKind(-1)
	for {
		clause, err := p.clause()
		if err != nil {
			return Spec{}, err
		}
		spec.Clauses = append(spec.Clauses, clause)
		t, ok := p.next()
		if !ok {
			break
		}
		if t.kind != tokComma && t.kind != tokQuestion {
			return Spec{}, fmt.Errorf("%w: unexpected token at %d", ErrSyntax, t.pos)
		}
		if sep >= 0 && t.kind != sep {
			return Spec{}, ErrMixedOperators
		}
		sep = t.kind
	}
	if sep == tokQuestion {
		spec.Operator = OpOr
	}
	return spec, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) next() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *parser) peek(kind tokenKind) bool {
	return p.pos < len(p.toks) && p.toks[p.pos].kind == kind
}

func (p *parser) clause() (Clause, error) {
	t, ok := p.next()
	if !ok || t.kind != tokWord {
		return Clause{}, fmt.Errorf("%w: expected dependency type", ErrSyntax)
	}
	c := Clause{Type: Type(strings.ToLower(t.text))}
	if !c.Type.valid() {
		return Clause{}, fmt.Errorf("%w: %q", ErrUnknownType, t.text)
	}
	if c.Type == Singleton {
		if p.peek(tokStatus) {
			p.next()
		}
		return c, nil
	}

	for p.peek(tokColon) {
		p.next()
		id, ok := p.next()
		if !ok || id.kind != tokWord {
			return Clause{}, fmt.Errorf("%w: expected job id after ':'", ErrSyntax)
		}
		jobID := id.text
		var delay int64 = -1
		if p.peek(tokPlus) {
			p.next()
			d, ok := p.next()
			if !ok || d.kind != tokWord {
				return Clause{}, fmt.Errorf("%w: expected delay after '+'", ErrSyntax)
			}
			// "123+30_*": the array wildcard may follow the delay.
			text := d.text
			if strings.HasSuffix(text, arrayWildcard) && !strings.HasSuffix(jobID, arrayWildcard) {
				text = strings.TrimSuffix(text, arrayWildcard)
				jobID += arrayWildcard
			}
			minutes, err := strconv.ParseInt(text, 10, 64)
			if err != nil || minutes < 0 {
				return Clause{}, fmt.Errorf("%w: bad delay %q", ErrSyntax, d.text)
			}
			delay = minutes
		}
		c.JobIDs = append(c.JobIDs, jobID)
		if delay >= 0 {
			if c.DelayMinutes == nil {
				c.DelayMinutes = make(map[string]int64)
			}
			c.DelayMinutes[jobID] = delay
		}
		if p.peek(tokStatus) {
			st, _ := p.next()
			if c.StatusMarkers == nil {
				c.StatusMarkers = make(map[string]string)
			}
			c.StatusMarkers[jobID] = st.text
		}
	}
	if len(c.JobIDs) == 0 {
		return Clause{}, fmt.Errorf("%w: %s needs at least one job id", ErrSyntax, c.Type)
	}
	return c, nil
}
