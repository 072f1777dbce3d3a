package query

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	pkgerrors "github.com/168iroha/tag-search-engine/pkg/errors"
)

func TestOrderClause(t *testing.T) {
	tests := []struct {
		order Order
		want  string
	}{
		{OrderAscPostDate, "ORDER BY posted_articles.id ASC"},
		{OrderAscUpdateDate, "ORDER BY posted_articles.update_date ASC"},
		{OrderDescPostDate, "ORDER BY posted_articles.id DESC"},
		{OrderDescUpdateDate, "ORDER BY posted_articles.update_date DESC"},
	}
	for _, tt := range tests {
		got, err := tt.order.Clause()
		if err != nil {
			t.Fatalf("Clause(%v): %v", tt.order, err)
		}
		if got != tt.want {
			t.Errorf("Clause(%v) = %q, want %q", tt.order, got, tt.want)
		}
	}

	if _, err := Order(42).Clause(); !errors.Is(err, pkgerrors.ErrUnknownOrder) {
		t.Errorf("Clause(42) error = %v, want ErrUnknownOrder", err)
	}
	if _, err := ParseOrder("NEWEST"); !errors.Is(err, pkgerrors.ErrUnknownOrder) {
		t.Errorf("ParseOrder error = %v, want ErrUnknownOrder", err)
	}
	if o, err := ParseOrder("desc_postdate"); err != nil || o != OrderDescPostDate {
		t.Errorf("ParseOrder(desc_postdate) = %v, %v", o, err)
	}
}

func TestSelectSQLEmpty(t *testing.T) {
	got, err := Parse("", 0).SelectSQL(OrderDescPostDate)
	if err != nil {
		t.Fatal(err)
	}
	want := "SELECT posted_articles.id FROM posted_articles ORDER BY posted_articles.id DESC LIMIT ? OFFSET ?"
	if got != want {
		t.Errorf("empty query SQL = %q, want %q", got, want)
	}
}

func TestSelectSQLShape(t *testing.T) {
	q := Parse("foo bar", 0)
	got, err := q.SelectSQL(OrderAscPostDate)
	if err != nil {
		t.Fatal(err)
	}
	wantInner := "SELECT t0.article_id FROM " +
		"(SELECT article_id FROM posted_articles_tags WHERE tag_id IN (SELECT id FROM tags WHERE norm_name = ?)) AS t0 " +
		"INNER JOIN " +
		"(SELECT article_id FROM posted_articles_tags WHERE tag_id IN (SELECT id FROM tags WHERE norm_name = ?)) AS t1 " +
		"ON t0.article_id = t1.article_id"
	want := "SELECT posted_articles.id FROM posted_articles INNER JOIN (" + wantInner +
		") AS r ON posted_articles.id = r.article_id ORDER BY posted_articles.id ASC LIMIT ? OFFSET ?"
	if got != want {
		t.Errorf("SQL = %q\nwant %q", got, want)
	}

	// One bind value per ? placeholder, before the page window.
	if n := strings.Count(got, "?"); n != len(q.Binds())+2 {
		t.Errorf("placeholder count = %d, want %d", n, len(q.Binds())+2)
	}
}

func TestUniqueAliases(t *testing.T) {
	q := Parse("a b c -d -e", 0)
	sqlText, err := q.SelectSQL(OrderDescPostDate)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, frag := range strings.Split(sqlText, "AS ") {
		if !strings.HasPrefix(frag, "t") {
			continue
		}
		alias := strings.Fields(frag)[0]
		if seen[alias] {
			t.Errorf("alias %s used twice in %q", alias, sqlText)
		}
		seen[alias] = true
	}
}

// openTestDB creates a throwaway SQLite database with the target schema and
// a small tagged-article corpus.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "query_test.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ddl := []string{
		`CREATE TABLE posted_articles (
			id CHAR(12) PRIMARY KEY,
			post_date CHAR(12) UNIQUE NOT NULL,
			update_date CHAR(12) NOT NULL
		)`,
		`CREATE TABLE tags (
			id CHAR(14) PRIMARY KEY,
			org_name VARCHAR(50) UNIQUE NOT NULL,
			norm_name VARCHAR(50) UNIQUE NOT NULL
		)`,
		`CREATE TABLE posted_articles_tags (
			article_id CHAR(12) NOT NULL,
			tag_id CHAR(14) NOT NULL,
			PRIMARY KEY (article_id, tag_id)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("creating schema: %v", err)
		}
	}

	// Articles 1..4 tagged: 1={GO}, 2={GO,DB}, 3={DB}, 4={GO,DB,WEB}.
	articles := map[string][]string{
		"000000000001": {"GO"},
		"000000000002": {"GO", "DB"},
		"000000000003": {"DB"},
		"000000000004": {"GO", "DB", "WEB"},
	}
	tagIDs := map[string]string{"GO": "tag0000000001", "DB": "tag0000000002", "WEB": "tag0000000003"}
	for norm, id := range tagIDs {
		if _, err := db.Exec(`INSERT INTO tags (id, org_name, norm_name) VALUES (?, ?, ?)`, id, norm, norm); err != nil {
			t.Fatal(err)
		}
	}
	for articleID, tags := range articles {
		if _, err := db.Exec(`INSERT INTO posted_articles (id, post_date, update_date) VALUES (?, ?, ?)`,
			articleID, articleID, articleID); err != nil {
			t.Fatal(err)
		}
		for _, norm := range tags {
			if _, err := db.Exec(`INSERT INTO posted_articles_tags (article_id, tag_id) VALUES (?, ?)`,
				articleID, tagIDs[norm]); err != nil {
				t.Fatal(err)
			}
		}
	}
	return db
}

// The lowered SQL, executed with the binds in emission order, must implement
// the query's set algebra.
func TestLoweredSQLSemantics(t *testing.T) {
	db := openTestDB(t)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"000000000001", "000000000002", "000000000003", "000000000004"}},
		{"go", []string{"000000000001", "000000000002", "000000000004"}},
		{"go db", []string{"000000000002", "000000000004"}},
		{"go OR db", []string{"000000000001", "000000000002", "000000000003", "000000000004"}},
		{"go -db", []string{"000000000001"}},
		{"go db -web", []string{"000000000002"}},
		{"(go OR web) db", []string{"000000000002", "000000000004"}},
		{"go -db -web", []string{"000000000001"}},
		{"missing", []string{}},
		{"go OR missing", []string{"000000000001", "000000000002", "000000000004"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q := Parse(tt.query, 0)
			sqlText, err := q.SelectSQL(OrderAscPostDate)
			if err != nil {
				t.Fatal(err)
			}
			args := make([]any, 0, len(q.Binds())+2)
			for _, b := range q.Binds() {
				args = append(args, b)
			}
			args = append(args, 100, 0)

			rows, err := db.Query(sqlText, args...)
			if err != nil {
				t.Fatalf("executing %q: %v", sqlText, err)
			}
			defer rows.Close()
			got := []string{}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					t.Fatal(err)
				}
				got = append(got, id)
			}
			sort.Strings(got)
			if len(got) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", got, tt.want)
				}
			}

			var count int
			if err := db.QueryRow(q.CountSQL(), args[:len(args)-2]...).Scan(&count); err != nil {
				t.Fatalf("count query: %v", err)
			}
			if count != len(tt.want) {
				t.Errorf("count = %d, want %d", count, len(tt.want))
			}
		})
	}
}
