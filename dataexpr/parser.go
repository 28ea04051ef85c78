package dataexpr

import (
	"fmt"

	"github.com/cznic/blockit/bkerr"
)

// parser builds an Arena by recursive descent over the token stream.
// The grammar (spec.md §4.4) has no operator precedence beyond
// juxtaposition (concatenation) and the three postfix operators
// *N, [N:M] and -> \name, so a single precedence-climbing loop over
// a primary-expression parser suffices.
type parser struct {
	lex  *lexer
	tok  token
	peek bool

	arena *Arena
	names map[string]NodeID // every \name assigned so far in the parse
}

// Parse compiles src into an Arena rooted at the returned NodeID.
func Parse(src string) (*Arena, NodeID, error) {
	p := &parser{lex: newLexer(src), arena: NewArena(), names: map[string]NodeID{}}
	if err := p.advance(); err != nil {
		return nil, noNode, err
	}
	items, err := p.parseList(tEOF)
	if err != nil {
		return nil, noNode, err
	}
	root := p.arena.Add(Node{Kind: KList, Items: items})
	return p.arena, root, nil
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

// parseList parses a juxtaposed sequence of expressions up to (but not
// consuming) a token of kind stop.
func (p *parser) parseList(stop tokKind) ([]NodeID, error) {
	var items []NodeID
	for p.tok.kind != stop && p.tok.kind != tEOF {
		id, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	return items, nil
}

// parseExpr parses one primary expression plus any trailing postfix
// operators (*N, [N:M], -> \name).
func (p *parser) parseExpr() (NodeID, error) {
	id, err := p.parsePrimary()
	if err != nil {
		return noNode, err
	}
	for {
		switch p.tok.kind {
		case tStar:
			if err := p.advance(); err != nil {
				return noNode, err
			}
			if p.tok.kind != tByte && p.tok.kind != tWidthInt {
				return noNode, bkerr.New("dataexpr.parse", bkerr.InvalidArgument)
			}
			n := p.tok.ival
			if err := p.advance(); err != nil {
				return noNode, err
			}
			id = p.arena.Add(Node{Kind: KRepeat, N: n, Child: id})
		case tLBracket:
			if err := p.advance(); err != nil {
				return noNode, err
			}
			lo, err := p.parseOptionalInt(0)
			if err != nil {
				return noNode, err
			}
			if p.tok.kind != tColon {
				return noNode, bkerr.New("dataexpr.parse", bkerr.InvalidArgument)
			}
			if err := p.advance(); err != nil {
				return noNode, err
			}
			hi, err := p.parseOptionalInt(-1)
			if err != nil {
				return noNode, err
			}
			if p.tok.kind != tRBracket {
				return noNode, bkerr.New("dataexpr.parse", bkerr.InvalidArgument)
			}
			if err := p.advance(); err != nil {
				return noNode, err
			}
			id = p.arena.Add(Node{Kind: KSlice, Child: id, SliceLo: lo, SliceHi: hi})
		case tArrow:
			if err := p.advance(); err != nil {
				return noNode, err
			}
			if p.tok.kind != tBackslashName {
				return noNode, bkerr.New("dataexpr.parse", bkerr.InvalidArgument)
			}
			name := p.tok.sval
			if err := p.advance(); err != nil {
				return noNode, err
			}
			id = p.arena.Add(Node{Kind: KAssign, Str: name, Child: id})
			p.names[name] = id
		default:
			return id, nil
		}
	}
}

func (p *parser) parseOptionalInt(def int64) (int64, error) {
	if p.tok.kind != tByte && p.tok.kind != tWidthInt {
		return def, nil
	}
	n := p.tok.ival
	if err := p.advance(); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *parser) parsePrimary() (NodeID, error) {
	switch p.tok.kind {
	case tByte:
		b := byte(p.tok.ival)
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KByte, Byte: b}), nil

	case tWidthInt:
		width, be, n := p.tok.width, p.tok.be, p.tok.ival
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(widthNode(width, be, n)), nil

	case tString:
		s := p.tok.sval
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KString, Str: s}), nil

	case tAtAbs:
		n := p.tok.ival
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KAbsOffset, N: n}), nil

	case tAtRelPlus:
		n := p.tok.ival
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KRelOffset, N: n}), nil

	case tAtRelMinus:
		n := p.tok.ival
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KRelOffset, N: -n}), nil

	case tAtAlign:
		n := p.tok.ival
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KAlignOffset, N: n}), nil

	case tLParen:
		if err := p.advance(); err != nil {
			return noNode, err
		}
		items, err := p.parseList(tRParen)
		if err != nil {
			return noNode, err
		}
		if p.tok.kind != tRParen {
			return noNode, bkerr.New("dataexpr.parse", bkerr.InvalidArgument)
		}
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KList, Items: items}), nil

	case tFile:
		path := p.tok.sval
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KFile, Str: path}), nil

	case tScript:
		pipeline := p.tok.sval
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KScript, Str: pipeline}), nil

	case tBackslashName:
		name := p.tok.sval
		if err := p.advance(); err != nil {
			return noNode, err
		}
		ref, ok := p.names[name]
		if !ok {
			return noNode, bkerr.Newf("dataexpr.parse", bkerr.InvalidArgument, fmt.Errorf("undefined reference \\%s", name))
		}
		return p.arena.Add(Node{Kind: KName, Str: name, Child: ref}), nil

	case tDollarName:
		name := p.tok.sval
		if err := p.advance(); err != nil {
			return noNode, err
		}
		return p.arena.Add(Node{Kind: KParam, Str: name}), nil
	}
	return noNode, bkerr.Newf("dataexpr.parse", bkerr.InvalidArgument, fmt.Errorf("unexpected token in expression (kind %d)", p.tok.kind))
}

// widthNode expands a leN:/beN: literal into a KString of the encoded
// bytes; the optimizer never needs to know width/endianness after
// parsing, only the resulting byte sequence.
func widthNode(width int, be bool, n int64) Node {
	buf := make([]byte, width/8)
	u := uint64(n)
	if be {
		for i := len(buf) - 1; i >= 0; i-- {
			buf[i] = byte(u)
			u >>= 8
		}
	} else {
		for i := 0; i < len(buf); i++ {
			buf[i] = byte(u)
			u >>= 8
		}
	}
	return Node{Kind: KString, Str: string(buf)}
}
