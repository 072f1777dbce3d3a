package query

import (
	"fmt"
	"sort"
	"strings"
)

// Node is one node of the query tree. Construction goes through the New*
// functions, which collapse redundant parentheses, flatten nested
// same-operator children, and sort operands into a canonical order, so that
// semantically equivalent queries produce identical trees.
type Node interface {
	writeCanonical(b *strings.Builder)
	// sql returns the node's article-id-selecting SQL. Table aliases are
	// drawn from seq so that every subquery alias in the final statement is
	// unique.
	sql(seq *int) string
	// appendBinds appends the node's bind values in the order matching the
	// ? placeholders of sql.
	appendBinds(dst []string) []string
}

// TagNode selects the articles carrying a single tag literal.
type TagNode struct {
	Value string
}

// ParenNode is a grouping marker kept only for canonical reconstruction; it
// is transparent to SQL lowering.
type ParenNode struct {
	Child Node
}

// AndNode is the intersection of its children.
type AndNode struct {
	Children []Node
}

// OrNode is the union of its children.
type OrNode struct {
	Children []Node
}

// MinusNode is the left-folded set difference of its children; the first
// child is the minuend and keeps its position.
type MinusNode struct {
	Children []Node
}

// Operator precedence. And binds tighter than Or and Minus.
const (
	levelOr    = 1
	levelMinus = 1
	levelAnd   = 2
)

// NewTag returns a leaf for one tag literal. The value is expected to be
// normalized already (the lexer normalizes every token).
func NewTag(value string) Node {
	return &TagNode{Value: value}
}

// NewParen groups child. Parens around parens and around leaves are elided.
func NewParen(child Node) Node {
	if child == nil {
		return nil
	}
	switch child.(type) {
	case *ParenNode, *TagNode:
		return child
	}
	return &ParenNode{Child: child}
}

// NewAnd intersects children. Nested And children (parenthesized or not) are
// spliced in, singletons collapse, and the result's children are sorted.
func NewAnd(children []Node) Node {
	flat := flatten(children, func(n Node) ([]Node, bool) {
		if a, ok := n.(*AndNode); ok {
			return a.Children, true
		}
		return nil, false
	})
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	sort.SliceStable(flat, func(i, j int) bool { return less(flat[i], flat[j]) })
	return &AndNode{Children: flat}
}

// NewOr unions children, with the same flattening and sorting as NewAnd.
func NewOr(children []Node) Node {
	flat := flatten(children, func(n Node) ([]Node, bool) {
		if o, ok := n.(*OrNode); ok {
			return o.Children, true
		}
		return nil, false
	})
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	sort.SliceStable(flat, func(i, j int) bool { return less(flat[i], flat[j]) })
	return &OrNode{Children: flat}
}

// NewMinus subtracts children[1:] from children[0]. The minuend is
// position-significant and stays first; only the tail is sorted. Difference
// is not associative, so nothing is flattened.
func NewMinus(children []Node) Node {
	flat := make([]Node, 0, len(children))
	for _, c := range children {
		if c != nil {
			flat = append(flat, c)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	tail := flat[1:]
	sort.SliceStable(tail, func(i, j int) bool { return less(tail[i], tail[j]) })
	return &MinusNode{Children: flat}
}

// flatten drops nil children and splices the children of any node (bare or
// parenthesized) that inner recognizes as the same operator.
func flatten(children []Node, inner func(Node) ([]Node, bool)) []Node {
	out := make([]Node, 0, len(children))
	for _, c := range children {
		if c == nil {
			continue
		}
		if p, ok := c.(*ParenNode); ok {
			if cs, ok := inner(p.Child); ok {
				out = append(out, cs...)
				continue
			}
		}
		if cs, ok := inner(c); ok {
			out = append(out, cs...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Node classes for the canonical operand order: non-Tag sorts before Tag,
// and among non-Tags, Paren sorts before any binary operator.
const (
	classParen  = 0
	classBinary = 1
	classTag    = 2
)

func nodeClass(n Node) int {
	switch n.(type) {
	case *ParenNode:
		return classParen
	case *TagNode:
		return classTag
	default:
		return classBinary
	}
}

// binaryLevel returns the operator precedence of n and whether n is a binary
// operator node at all.
func binaryLevel(n Node) (int, bool) {
	switch n.(type) {
	case *AndNode:
		return levelAnd, true
	case *OrNode:
		return levelOr, true
	case *MinusNode:
		return levelMinus, true
	}
	return 0, false
}

// opOrder is the fixed tie-break order among operators of equal level:
// And, then Minus, then Or.
func opOrder(n Node) int {
	switch n.(type) {
	case *AndNode:
		return 0
	case *MinusNode:
		return 1
	default:
		return 2
	}
}

func childCount(n Node) int {
	switch v := n.(type) {
	case *AndNode:
		return len(v.Children)
	case *OrNode:
		return len(v.Children)
	case *MinusNode:
		return len(v.Children)
	}
	return 0
}

// less is the total order used to sort operands of And, Or, and the tail of
// Minus. It is consulted through sort.SliceStable, so equal elements keep
// their relative input order.
func less(a, b Node) bool {
	ca, cb := nodeClass(a), nodeClass(b)
	if ca != cb {
		return ca < cb
	}
	switch ca {
	case classTag:
		return a.(*TagNode).Value < b.(*TagNode).Value
	case classParen:
		return less(a.(*ParenNode).Child, b.(*ParenNode).Child)
	default:
		la, _ := binaryLevel(a)
		lb, _ := binaryLevel(b)
		if la != lb {
			return la > lb
		}
		if oa, ob := opOrder(a), opOrder(b); oa != ob {
			return oa < ob
		}
		if na, nb := childCount(a), childCount(b); na != nb {
			return na > nb
		}
		return false
	}
}

func (t *TagNode) writeCanonical(b *strings.Builder) {
	b.WriteByte('"')
	b.WriteString(strings.ReplaceAll(t.Value, `"`, `""`))
	b.WriteByte('"')
}

func (p *ParenNode) writeCanonical(b *strings.Builder) {
	if t, ok := p.Child.(*TagNode); ok {
		t.writeCanonical(b)
		return
	}
	b.WriteByte('(')
	p.Child.writeCanonical(b)
	b.WriteByte(')')
}

func (a *AndNode) writeCanonical(b *strings.Builder) { writeJoined(b, " ", levelAnd, a.Children) }

func (o *OrNode) writeCanonical(b *strings.Builder) { writeJoined(b, "OR", levelOr, o.Children) }

func (m *MinusNode) writeCanonical(b *strings.Builder) {
	writeJoined(b, "-", levelMinus, m.Children)
}

// writeJoined emits children separated by sym, parenthesizing any binary
// child whose level is strictly lower than the parent's.
func writeJoined(b *strings.Builder, sym string, level int, children []Node) {
	for i, c := range children {
		if i > 0 {
			b.WriteString(sym)
		}
		if cl, ok := binaryLevel(c); ok && cl < level {
			b.WriteByte('(')
			c.writeCanonical(b)
			b.WriteByte(')')
		} else {
			c.writeCanonical(b)
		}
	}
}

// tagSelect selects the ids of articles carrying one tag, resolved through
// the normalized tag name.
const tagSelect = "SELECT article_id FROM posted_articles_tags " +
	"WHERE tag_id IN (SELECT id FROM tags WHERE norm_name = ?)"

func nextID(seq *int) int {
	id := *seq
	*seq++
	return id
}

func (t *TagNode) sql(seq *int) string {
	return tagSelect
}

func (p *ParenNode) sql(seq *int) string {
	return p.Child.sql(seq)
}

// Only nested INNER JOIN, UNION, and NOT IN are used below so the emitted
// statements run on SQL dialects without INTERSECT/EXCEPT.

func (a *AndNode) sql(seq *int) string {
	s := a.Children[0].sql(seq)
	for _, c := range a.Children[1:] {
		l := nextID(seq)
		r := nextID(seq)
		s = fmt.Sprintf(
			"SELECT t%d.article_id FROM (%s) AS t%d INNER JOIN (%s) AS t%d ON t%d.article_id = t%d.article_id",
			l, s, l, c.sql(seq), r, l, r,
		)
	}
	return s
}

func (o *OrNode) sql(seq *int) string {
	s := o.Children[0].sql(seq)
	for _, c := range o.Children[1:] {
		s = fmt.Sprintf("(%s) UNION (%s)", s, c.sql(seq))
	}
	return s
}

func (m *MinusNode) sql(seq *int) string {
	s := m.Children[0].sql(seq)
	for _, c := range m.Children[1:] {
		a := nextID(seq)
		s = fmt.Sprintf(
			"SELECT article_id FROM (%s) AS t%d WHERE article_id NOT IN (%s)",
			s, a, c.sql(seq),
		)
	}
	return s
}

func (t *TagNode) appendBinds(dst []string) []string {
	return append(dst, t.Value)
}

func (p *ParenNode) appendBinds(dst []string) []string {
	return p.Child.appendBinds(dst)
}

func (a *AndNode) appendBinds(dst []string) []string {
	for _, c := range a.Children {
		dst = c.appendBinds(dst)
	}
	return dst
}

func (o *OrNode) appendBinds(dst []string) []string {
	for _, c := range o.Children {
		dst = c.appendBinds(dst)
	}
	return dst
}

func (m *MinusNode) appendBinds(dst []string) []string {
	for _, c := range m.Children {
		dst = c.appendBinds(dst)
	}
	return dst
}
