// Package query implements the tag-search query language: lexing, parsing,
// canonicalization of the query tree, and lowering to SQL over the
// posted_articles / tags relations.
package query

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Kind classifies a lexer token.
type Kind int

const (
	KindEnd Kind = iota
	KindTag
	KindWord
	KindLParen
	KindRParen
	KindMinus
)

// Token is a single lexical unit. Tag tokens originate only from
// double-quoted literals; barewords are Word tokens.
type Token struct {
	Kind Kind
	Text string
}

// Normalize trims whitespace, applies NFKC, and upper-cases. Every tag and
// word token passes through here, as does the canonical query string before
// hashing, so that visually equivalent queries share one cache key.
func Normalize(s string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(s)))
}
