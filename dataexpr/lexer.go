package dataexpr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cznic/blockit/bkerr"
)

type tokKind int

const (
	tEOF tokKind = iota
	tByte
	tAtAbs
	tAtRelPlus
	tAtRelMinus
	tAtAlign
	tString
	tWidthInt // le16:/le32:/le64:/be16:/be32:/be64: N
	tLParen
	tRParen
	tStar
	tLBracket
	tColon
	tRBracket
	tFile
	tScript
	tBackslashName
	tArrow
	tDollarName
)

type token struct {
	kind  tokKind
	ival  int64
	sval  string
	width int  // 16/32/64 for tWidthInt
	be    bool // true = big-endian for tWidthInt
}

type lexer struct {
	src []rune
	pos int
}

func newLexer(src string) *lexer { return &lexer{src: []rune(src)} }

func (l *lexer) peekRune() (rune, bool) {
	if l.pos >= len(l.src) {
		return 0, false
	}
	return l.src[l.pos], true
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

func isIdentRune(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (l *lexer) readIdent() string {
	start := l.pos
	for l.pos < len(l.src) && isIdentRune(l.src[l.pos]) {
		l.pos++
	}
	return string(l.src[start:l.pos])
}

func (l *lexer) readInt() (int64, error) {
	start := l.pos
	if c, ok := l.peekRune(); ok && (c == '+' || c == '-') {
		l.pos++
	}
	if strings.HasPrefix(string(l.src[l.pos:]), "0x") || strings.HasPrefix(string(l.src[l.pos:]), "0X") {
		l.pos += 2
		for l.pos < len(l.src) && isHex(l.src[l.pos]) {
			l.pos++
		}
	} else {
		for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
			l.pos++
		}
	}
	text := string(l.src[start:l.pos])
	if text == "" {
		return 0, bkerr.New("dataexpr.lex", bkerr.InvalidArgument)
	}
	n, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		return 0, bkerr.Newf("dataexpr.lex", bkerr.InvalidArgument, err)
	}
	return n, nil
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// next returns the next token, consuming it.
func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	c, ok := l.peekRune()
	if !ok {
		return token{kind: tEOF}, nil
	}

	switch {
	case c == '(':
		l.pos++
		return token{kind: tLParen}, nil
	case c == ')':
		l.pos++
		return token{kind: tRParen}, nil
	case c == '*':
		l.pos++
		return token{kind: tStar}, nil
	case c == '[':
		l.pos++
		return token{kind: tLBracket}, nil
	case c == ']':
		l.pos++
		return token{kind: tRBracket}, nil
	case c == ':':
		l.pos++
		return token{kind: tColon}, nil
	case c == '"':
		return l.lexString()
	case c == '@':
		return l.lexAt()
	case c == '<':
		return l.lexSplice()
	case c == '\\':
		l.pos++
		name := l.readIdent()
		if name == "" {
			return token{}, bkerr.New("dataexpr.lex", bkerr.InvalidArgument)
		}
		return token{kind: tBackslashName, sval: name}, nil
	case c == '$':
		l.pos++
		name := l.readIdent()
		if name == "" {
			return token{}, bkerr.New("dataexpr.lex", bkerr.InvalidArgument)
		}
		return token{kind: tDollarName, sval: name}, nil
	case c == '-' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '>':
		l.pos += 2
		return token{kind: tArrow}, nil
	case c >= '0' && c <= '9':
		return l.lexNumberOrWidth()
	case isIdentRune(c):
		return l.lexNumberOrWidth()
	}
	return token{}, bkerr.Newf("dataexpr.lex", bkerr.InvalidArgument, fmt.Errorf("unexpected character %q", c))
}

func (l *lexer) lexAt() (token, error) {
	l.pos++ // consume '@'
	c, ok := l.peekRune()
	kind := tAtAbs
	if ok {
		switch c {
		case '+':
			kind = tAtRelPlus
			l.pos++
		case '-':
			kind = tAtRelMinus
			l.pos++
		case '^':
			kind = tAtAlign
			l.pos++
		}
	}
	n, err := l.readInt()
	if err != nil {
		return token{}, err
	}
	return token{kind: kind, ival: n}, nil
}

func (l *lexer) lexSplice() (token, error) {
	l.pos++ // consume '<'
	c, ok := l.peekRune()
	if ok && c == '(' {
		depth := 0
		start := l.pos
		for l.pos < len(l.src) {
			switch l.src[l.pos] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					pipeline := string(l.src[start+1 : l.pos])
					l.pos++
					return token{kind: tScript, sval: pipeline}, nil
				}
			}
			l.pos++
		}
		return token{}, bkerr.New("dataexpr.lex", bkerr.InvalidArgument)
	}
	start := l.pos
	for l.pos < len(l.src) && l.src[l.pos] != ' ' && l.src[l.pos] != '\t' && l.src[l.pos] != '\n' &&
		l.src[l.pos] != ')' && l.src[l.pos] != '*' && l.src[l.pos] != '[' {
		l.pos++
	}
	return token{kind: tFile, sval: string(l.src[start:l.pos])}, nil
}

func (l *lexer) lexString() (token, error) {
	l.pos++ // consume opening quote
	var b strings.Builder
	for {
		c, ok := l.peekRune()
		if !ok {
			return token{}, bkerr.New("dataexpr.lex", bkerr.InvalidArgument)
		}
		l.pos++
		if c == '"' {
			return token{kind: tString, sval: b.String()}, nil
		}
		if c != '\\' {
			b.WriteRune(c)
			continue
		}
		esc, ok2 := l.peekRune()
		if !ok2 {
			return token{}, bkerr.New("dataexpr.lex", bkerr.InvalidArgument)
		}
		l.pos++
		switch esc {
		case 'a':
			b.WriteByte(7)
		case 'b':
			b.WriteByte(8)
		case 'f':
			b.WriteByte(12)
		case 'n':
			b.WriteByte(10)
		case 'r':
			b.WriteByte(13)
		case 't':
			b.WriteByte(9)
		case 'v':
			b.WriteByte(11)
		case '\\':
			b.WriteByte('\\')
		case '"':
			b.WriteByte('"')
		case 'x':
			if l.pos+1 >= len(l.src) {
				return token{}, bkerr.New("dataexpr.lex", bkerr.InvalidArgument)
			}
			hex := string(l.src[l.pos : l.pos+2])
			l.pos += 2
			n, err := strconv.ParseUint(hex, 16, 8)
			if err != nil {
				return token{}, bkerr.Newf("dataexpr.lex", bkerr.InvalidArgument, err)
			}
			b.WriteByte(byte(n))
		default:
			return token{}, bkerr.Newf("dataexpr.lex", bkerr.Unsupported, fmt.Errorf("unimplemented escape \\%c (octal/decimal/\\u are explicitly unimplemented)", esc))
		}
	}
}

func (l *lexer) lexNumberOrWidth() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentRune(l.src[l.pos]) {
		l.pos++
	}
	word := string(l.src[start:l.pos])

	switch word {
	case "le16", "le32", "le64", "be16", "be32", "be64":
		if c, ok := l.peekRune(); !ok || c != ':' {
			return token{}, bkerr.Newf("dataexpr.lex", bkerr.InvalidArgument, fmt.Errorf("%s must be followed by ':'", word))
		}
		l.pos++
		n, err := l.readInt()
		if err != nil {
			return token{}, err
		}
		width, _ := strconv.Atoi(word[2:])
		return token{kind: tWidthInt, ival: n, width: width, be: word[0] == 'b'}, nil
	}

	// A plain decimal/hex integer: BYTE token.
	n, err := strconv.ParseInt(word, 0, 64)
	if err != nil {
		return token{}, bkerr.Newf("dataexpr.lex", bkerr.InvalidArgument, fmt.Errorf("unrecognized token %q", word))
	}
	if n < 0 || n > 255 {
		return token{}, bkerr.Newf("dataexpr.lex", bkerr.InvalidArgument, fmt.Errorf("byte value %d out of range 0..255", n))
	}
	return token{kind: tByte, ival: n}, nil
}
