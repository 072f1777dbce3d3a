package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/168iroha/tag-search-engine/pkg/errors"
)

// Order selects the result ordering of a search and doubles as the page-file
// name discriminator in the result cache.
type Order int

const (
	OrderAscPostDate Order = iota
	OrderAscUpdateDate
	OrderDescPostDate
	OrderDescUpdateDate
)

func (o Order) String() string {
	switch o {
	case OrderAscPostDate:
		return "ASC_POSTDATE"
	case OrderAscUpdateDate:
		return "ASC_UPDATEDATE"
	case OrderDescPostDate:
		return "DESC_POSTDATE"
	case OrderDescUpdateDate:
		return "DESC_UPDATEDATE"
	}
	return fmt.Sprintf("Order(%d)", int(o))
}

// ParseOrder maps the external order name (case-insensitive) onto an Order.
func ParseOrder(s string) (Order, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ASC_POSTDATE":
		return OrderAscPostDate, nil
	case "ASC_UPDATEDATE":
		return OrderAscUpdateDate, nil
	case "DESC_POSTDATE":
		return OrderDescPostDate, nil
	case "DESC_UPDATEDATE":
		return OrderDescUpdateDate, nil
	}
	return 0, errors.Newf(errors.ErrUnknownOrder, http.StatusBadRequest, "%q", s)
}

// Clause returns the ORDER BY clause for o. Post-date ordering sorts on the
// article id, which encodes the posting timestamp.
func (o Order) Clause() (string, error) {
	switch o {
	case OrderAscPostDate:
		return "ORDER BY posted_articles.id ASC", nil
	case OrderAscUpdateDate:
		return "ORDER BY posted_articles.update_date ASC", nil
	case OrderDescPostDate:
		return "ORDER BY posted_articles.id DESC", nil
	case OrderDescUpdateDate:
		return "ORDER BY posted_articles.update_date DESC", nil
	}
	return "", errors.Newf(errors.ErrUnknownOrder, http.StatusBadRequest, "%d", int(o))
}

// PagePrefix is the file-name prefix of this order's cached pages.
func (o Order) PagePrefix() string {
	return o.String() + "."
}

// Query is a parsed, canonicalized tag-search query. A nil root is the empty
// query matching every article.
type Query struct {
	root Node
}

// IsEmpty reports whether the query contains no tag literal at all.
func (q *Query) IsEmpty() bool {
	return q.root == nil
}

// Root exposes the query tree.
func (q *Query) Root() Node {
	return q.root
}

// Canonical returns the unique textual reconstruction of the query. Two
// queries differing only in operand order, redundant parentheses, or
// same-operator nesting share one canonical string.
func (q *Query) Canonical() string {
	if q.root == nil {
		return ""
	}
	var b strings.Builder
	q.root.writeCanonical(&b)
	return b.String()
}

// Key is the cache key: the SHA-256 of the normalized canonical query, in
// hex.
func (q *Query) Key() string {
	sum := sha256.Sum256([]byte(Normalize(q.Canonical())))
	return hex.EncodeToString(sum[:])
}

// Binds returns the bind values of the lowered SQL, one per ? placeholder,
// in placeholder order.
func (q *Query) Binds() []string {
	if q.root == nil {
		return nil
	}
	return q.root.appendBinds(nil)
}

// SelectSQL returns the full id-page statement for order o. The statement
// ends in LIMIT ? OFFSET ?, so callers append the page window to Binds.
func (q *Query) SelectSQL(o Order) (string, error) {
	clause, err := o.Clause()
	if err != nil {
		return "", err
	}
	if q.root == nil {
		return "SELECT posted_articles.id FROM posted_articles " + clause + " LIMIT ? OFFSET ?", nil
	}
	seq := 0
	return "SELECT posted_articles.id FROM posted_articles INNER JOIN (" +
		q.root.sql(&seq) +
		") AS r ON posted_articles.id = r.article_id " + clause + " LIMIT ? OFFSET ?", nil
}

// CountSQL returns the matching-article count statement.
func (q *Query) CountSQL() string {
	if q.root == nil {
		return "SELECT COUNT(posted_articles.id) FROM posted_articles"
	}
	seq := 0
	return "SELECT COUNT(posted_articles.id) FROM posted_articles INNER JOIN (" +
		q.root.sql(&seq) +
		") AS r ON posted_articles.id = r.article_id"
}
