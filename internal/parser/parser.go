// Package parser tokenizes template source and validates its block
// structure. It does not consult the security policy; that happens per token
// in the compiler.
package parser

import (
	"strings"

	"github.com/cortalabs/cortex/internal/diag"
	"github.com/cortalabs/cortex/internal/token"
)

// Config carries the structural limits the parser enforces.
type Config struct {
	// MaxNestingDepth refuses templates whose conditional nesting exceeds
	// it. Zero means unlimited.
	MaxNestingDepth int
}

const (
	tagIfOpen      = "<if "
	tagIfThen      = " then>"
	tagElseIf      = "<else if "
	tagElseSpaced  = "<else />"
	tagElseCompact = "<else/>"
	tagIfClose     = "</if>"
	tagFuncOpen    = "<func "
	tagFuncClose   = "</func>"
	tagTemplate    = "<template "
	tagSetVar      = "<setvar "
	tagSetVarClose = "</setvar>"
	exprOpen       = "{="
	exprClose      = "}"
)

type condFrame struct {
	elseSeen bool
}

type scanner struct {
	name   string
	source string
	cfg    Config

	pos    int
	text   strings.Builder
	textAt int

	tokens    []token.Token
	condStack []condFrame
	funcDepth int
}

// Parse tokenizes source and validates its block structure. The returned
// token positions are byte offsets into source, monotonically non-decreasing.
// Any failure is fatal for the template and carries a source position.
func Parse(name, source string, cfg Config) ([]token.Token, *diag.Error) {
	s := &scanner{name: name, source: source, cfg: cfg, textAt: -1}
	for s.pos < len(s.source) {
		matched, err := s.scanConstruct()
		if err != nil {
			return nil, err.In(name)
		}
		if !matched {
			s.literal()
		}
	}
	s.flushText()
	if len(s.condStack) > 0 {
		return nil, diag.Errorf(diag.UnclosedIf, "conditional opened and never closed").At(len(source)).In(name)
	}
	if s.funcDepth > 0 {
		return nil, diag.Errorf(diag.UnclosedFunc, "function call opened and never closed").At(len(source)).In(name)
	}
	return s.tokens, nil
}

// scanConstruct attempts to recognise a construct at the current offset.
// Unrecognised tag-like text falls through to the literal path so templates
// full of ordinary markup keep rendering.
func (s *scanner) scanConstruct() (bool, *diag.Error) {
	rest := s.source[s.pos:]
	switch {
	case strings.HasPrefix(rest, tagIfOpen):
		return s.scanIfOpen(rest)
	case strings.HasPrefix(rest, tagElseIf):
		return s.scanElseIf(rest)
	case strings.HasPrefix(rest, tagElseSpaced):
		return s.scanElse(tagElseSpaced)
	case strings.HasPrefix(rest, tagElseCompact):
		return s.scanElse(tagElseCompact)
	case strings.HasPrefix(rest, tagIfClose):
		return s.scanIfClose()
	case strings.HasPrefix(rest, tagFuncOpen):
		return s.scanFuncOpen(rest)
	case strings.HasPrefix(rest, tagFuncClose):
		return s.scanFuncClose()
	case strings.HasPrefix(rest, tagTemplate):
		return s.scanTemplate(rest)
	case strings.HasPrefix(rest, tagSetVar):
		return s.scanSetVar(rest)
	case strings.HasPrefix(rest, exprOpen):
		return s.scanExpression(rest)
	}
	return false, nil
}

func (s *scanner) scanIfOpen(rest string) (bool, *diag.Error) {
	end := strings.Index(rest[len(tagIfOpen):], tagIfThen)
	if end < 0 {
		return false, nil
	}
	condition := strings.TrimSpace(rest[len(tagIfOpen) : len(tagIfOpen)+end])
	raw := rest[:len(tagIfOpen)+end+len(tagIfThen)]
	s.condStack = append(s.condStack, condFrame{})
	if s.cfg.MaxNestingDepth > 0 && len(s.condStack) > s.cfg.MaxNestingDepth {
		return false, diag.Errorf(diag.NestingTooDeep,
			"conditional nesting depth %d exceeds limit %d", len(s.condStack), s.cfg.MaxNestingDepth).At(s.pos)
	}
	s.emit(token.Token{Kind: token.IfOpen, Raw: raw, Condition: condition})
	return true, nil
}

func (s *scanner) scanElseIf(rest string) (bool, *diag.Error) {
	end := strings.Index(rest[len(tagElseIf):], tagIfThen)
	if end < 0 {
		return false, nil
	}
	if len(s.condStack) == 0 {
		return false, diag.Errorf(diag.OrphanElseIf, "else-if outside any conditional").At(s.pos)
	}
	if s.condStack[len(s.condStack)-1].elseSeen {
		return false, diag.Errorf(diag.ElseIfAfterElse, "else-if after else in the same conditional").At(s.pos)
	}
	condition := strings.TrimSpace(rest[len(tagElseIf) : len(tagElseIf)+end])
	raw := rest[:len(tagElseIf)+end+len(tagIfThen)]
	s.emit(token.Token{Kind: token.ElseIf, Raw: raw, Condition: condition})
	return true, nil
}

func (s *scanner) scanElse(raw string) (bool, *diag.Error) {
	if len(s.condStack) == 0 {
		return false, diag.Errorf(diag.OrphanElse, "else outside any conditional").At(s.pos)
	}
	top := &s.condStack[len(s.condStack)-1]
	if top.elseSeen {
		return false, diag.Errorf(diag.MultipleElse, "second else in the same conditional").At(s.pos)
	}
	top.elseSeen = true
	s.emit(token.Token{Kind: token.Else, Raw: raw})
	return true, nil
}

func (s *scanner) scanIfClose() (bool, *diag.Error) {
	if len(s.condStack) == 0 {
		return false, diag.Errorf(diag.UnbalancedIf, "conditional close without open").At(s.pos)
	}
	s.condStack = s.condStack[:len(s.condStack)-1]
	s.emit(token.Token{Kind: token.IfClose, Raw: tagIfClose})
	return true, nil
}

func (s *scanner) scanFuncOpen(rest string) (bool, *diag.Error) {
	end := strings.Index(rest[len(tagFuncOpen):], ">")
	if end < 0 {
		return false, nil
	}
	name := strings.TrimSpace(rest[len(tagFuncOpen) : len(tagFuncOpen)+end])
	if name == "" {
		return false, nil
	}
	raw := rest[:len(tagFuncOpen)+end+1]
	s.funcDepth++
	s.emit(token.Token{Kind: token.FuncOpen, Raw: raw, Name: name})
	return true, nil
}

func (s *scanner) scanFuncClose() (bool, *diag.Error) {
	if s.funcDepth == 0 {
		return false, diag.Errorf(diag.UnbalancedFunc, "function close without open").At(s.pos)
	}
	s.funcDepth--
	s.emit(token.Token{Kind: token.FuncClose, Raw: tagFuncClose})
	return true, nil
}

func (s *scanner) scanTemplate(rest string) (bool, *diag.Error) {
	end := strings.Index(rest[len(tagTemplate):], ">")
	if end < 0 {
		return false, nil
	}
	name := strings.TrimSpace(rest[len(tagTemplate) : len(tagTemplate)+end])
	if name == "" {
		return false, nil
	}
	raw := rest[:len(tagTemplate)+end+1]
	s.emit(token.Token{Kind: token.Template, Raw: raw, Name: name})
	return true, nil
}

func (s *scanner) scanSetVar(rest string) (bool, *diag.Error) {
	nameEnd := strings.Index(rest[len(tagSetVar):], ">")
	if nameEnd < 0 {
		return false, nil
	}
	name := strings.TrimSpace(rest[len(tagSetVar) : len(tagSetVar)+nameEnd])
	if name == "" {
		return false, nil
	}
	bodyStart := len(tagSetVar) + nameEnd + 1
	bodyEnd := strings.Index(rest[bodyStart:], tagSetVarClose)
	if bodyEnd < 0 {
		return false, nil
	}
	value := rest[bodyStart : bodyStart+bodyEnd]
	raw := rest[:bodyStart+bodyEnd+len(tagSetVarClose)]
	s.emit(token.Token{Kind: token.SetVar, Raw: raw, Name: name, Value: value})
	return true, nil
}

func (s *scanner) scanExpression(rest string) (bool, *diag.Error) {
	end := strings.Index(rest[len(exprOpen):], exprClose)
	if end < 0 {
		return false, nil
	}
	expr := strings.TrimSpace(rest[len(exprOpen) : len(exprOpen)+end])
	raw := rest[:len(exprOpen)+end+len(exprClose)]
	s.emit(token.Token{Kind: token.Expression, Raw: raw, Value: expr})
	return true, nil
}

// emit flushes pending literal text, appends the token, and advances past its
// raw source.
func (s *scanner) emit(tok token.Token) {
	s.flushText()
	tok.Position = s.pos
	s.tokens = append(s.tokens, tok)
	s.pos += len(tok.Raw)
}

// literal consumes one byte into the pending text run.
func (s *scanner) literal() {
	if s.textAt < 0 {
		s.textAt = s.pos
	}
	s.text.WriteByte(s.source[s.pos])
	s.pos++
}

func (s *scanner) flushText() {
	if s.textAt < 0 {
		return
	}
	raw := s.text.String()
	s.tokens = append(s.tokens, token.Token{Kind: token.Text, Raw: raw, Position: s.textAt})
	s.text.Reset()
	s.textAt = -1
}
