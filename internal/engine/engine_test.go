package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/168iroha/tag-search-engine/internal/cache"
	"github.com/168iroha/tag-search-engine/internal/query"
	"github.com/168iroha/tag-search-engine/internal/store"
	pkgerrors "github.com/168iroha/tag-search-engine/pkg/errors"
)

func setupEngine(t *testing.T) (*Engine, *sql.DB, string) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "engine_test.db"))
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
		`CREATE TABLE tag_search_caches (
			id CHAR(64) PRIMARY KEY,
			expiration_time DATETIME NOT NULL
		)`,
		`CREATE TABLE tag_search_caches_tags (
			cache_id CHAR(64) NOT NULL,
			tag_id CHAR(14) NOT NULL,
			PRIMARY KEY (cache_id, tag_id)
		)`,
		`CREATE INDEX idx_posted_articles_update_date ON posted_articles (update_date)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("creating schema: %v", err)
		}
	}

	sdb := store.NewFromDB(store.DialectSQLite, db)
	base := t.TempDir()
	eng := New(Options{
		DB:       sdb,
		Cache:    cache.NewManager(base, sdb),
		PageSize: 2,
	})
	return eng, db, base
}

func seedArticles(t *testing.T, eng *Engine) {
	t.Helper()
	ctx := context.Background()
	articles := []struct {
		id   string
		tags []string
	}{
		{"000000000001", []string{"go"}},
		{"000000000002", []string{"go", "db"}},
		{"000000000003", []string{"db"}},
		{"000000000004", []string{"go", "db", "web"}},
	}
	for _, a := range articles {
		if err := eng.InsertOrUpdateArticle(ctx, a.id, a.id, a.id, a.tags, true); err != nil {
			t.Fatalf("seeding article %s: %v", a.id, err)
		}
	}
}

func readExpiration(t *testing.T, base, key string) (time.Time, int) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(base, key, "expiration.json"))
	if err != nil {
		t.Fatalf("reading expiration file: %v", err)
	}
	var ef struct {
		Expiration string `json:"expiration"`
		Interval   int    `json:"interval"`
	}
	if err := json.Unmarshal(data, &ef); err != nil {
		t.Fatal(err)
	}
	at, err := time.Parse(time.RFC3339, ef.Expiration)
	if err != nil {
		t.Fatal(err)
	}
	return at, ef.Interval
}

func TestSearchPopulatesCache(t *testing.T) {
	eng, db, base := setupEngine(t)
	seedArticles(t, eng)
	ctx := context.Background()

	res, err := eng.Search(ctx, "go", 1, query.OrderAscPostDate)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("count = %d, want 3", res.Count)
	}
	if len(res.IDs) != 2 || res.IDs[0] != "000000000001" || res.IDs[1] != "000000000002" {
		t.Errorf("page 1 = %v, want first two ids", res.IDs)
	}

	key := query.Parse("go", 0).Key()
	if _, err := os.Stat(filepath.Join(base, key, "config.json")); err != nil {
		t.Errorf("config.json missing after search: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, key, "ASC_POSTDATE.1.json")); err != nil {
		t.Errorf("page file missing after search: %v", err)
	}

	// The second read must come from the cache: mutate the database behind
	// the engine's back and expect the stale result.
	if _, err := db.Exec(`DELETE FROM posted_articles_tags`); err != nil {
		t.Fatal(err)
	}
	res2, err := eng.Search(ctx, "go", 1, query.OrderAscPostDate)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Count != 3 || len(res2.IDs) != 2 {
		t.Errorf("cached result = %d ids / count %d, want 2 / 3", len(res2.IDs), res2.Count)
	}
}

func TestSearchPagination(t *testing.T) {
	eng, _, _ := setupEngine(t)
	seedArticles(t, eng)
	ctx := context.Background()

	res, err := eng.Search(ctx, "go", 2, query.OrderAscPostDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.IDs) != 1 || res.IDs[0] != "000000000004" {
		t.Errorf("page 2 = %v, want [000000000004]", res.IDs)
	}

	// Past the last page the cache serves an empty list.
	if _, err := eng.Search(ctx, "go", 1, query.OrderAscPostDate); err != nil {
		t.Fatal(err)
	}
	res, err = eng.Search(ctx, "go", 5, query.OrderAscPostDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.IDs) != 0 || res.Count != 3 {
		t.Errorf("out-of-range page = %v / count %d, want empty / 3", res.IDs, res.Count)
	}
}

func TestSearchEquivalentQueriesShareEntry(t *testing.T) {
	eng, _, base := setupEngine(t)
	seedArticles(t, eng)
	ctx := context.Background()

	if _, err := eng.Search(ctx, "go db", 1, query.OrderAscPostDate); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Search(ctx, "db  go", 1, query.OrderAscPostDate); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("cache entries = %d, want 1 for equivalent queries", len(entries))
	}
}

func TestExpirationPolicy(t *testing.T) {
	eng, _, base := setupEngine(t)
	seedArticles(t, eng)
	ctx := context.Background()

	tests := []struct {
		name         string
		query        string
		wantInterval int
		wantPinned   bool
	}{
		{"empty query pinned", "", 0, true},
		{"single tag with hits pinned", "go", 0, true},
		{"zero results short window", "missing", 15, false},
		{"multi tag long window", "go db", 7 * 24 * 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.Search(ctx, tt.query, 1, query.OrderDescPostDate); err != nil {
				t.Fatal(err)
			}
			key := query.Parse(tt.query, 0).Key()
			at, interval := readExpiration(t, base, key)
			if interval != tt.wantInterval {
				t.Errorf("interval = %d, want %d", interval, tt.wantInterval)
			}
			if tt.wantPinned && at.Year() != 9999 {
				t.Errorf("pinned expiration year = %d, want 9999", at.Year())
			}
		})
	}
}

func TestArticleUpdateInvalidatesCache(t *testing.T) {
	eng, _, _ := setupEngine(t)
	seedArticles(t, eng)
	ctx := context.Background()

	res, err := eng.Search(ctx, "web", 1, query.OrderAscPostDate)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 {
		t.Fatalf("count = %d, want 1", res.Count)
	}

	// Tagging another article with web must drop the cached entry.
	if err := eng.InsertOrUpdateArticle(ctx, "000000000001", "000000000001", "000000000005",
		[]string{"go", "web"}, true); err != nil {
		t.Fatal(err)
	}
	res, err = eng.Search(ctx, "web", 1, query.OrderAscPostDate)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 2 {
		t.Errorf("count after invalidation = %d, want 2", res.Count)
	}
}

func TestArticleTagDiff(t *testing.T) {
	eng, db, _ := setupEngine(t)
	ctx := context.Background()

	if err := eng.InsertOrUpdateArticle(ctx, "000000000009", "p", "u", []string{"a", "b"}, false); err != nil {
		t.Fatal(err)
	}
	if err := eng.InsertOrUpdateArticle(ctx, "000000000009", "p", "u2", []string{"b", "c"}, false); err != nil {
		t.Fatal(err)
	}

	rows, err := db.Query(`SELECT tags.norm_name FROM tags
		INNER JOIN posted_articles_tags ON tags.id = posted_articles_tags.tag_id
		WHERE posted_articles_tags.article_id = ? ORDER BY tags.norm_name`, "000000000009")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var norm string
		if err := rows.Scan(&norm); err != nil {
			t.Fatal(err)
		}
		got = append(got, norm)
	}
	if len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Errorf("tags after rewrite = %v, want [B C]", got)
	}
}

func TestDeleteArticle(t *testing.T) {
	eng, _, _ := setupEngine(t)
	seedArticles(t, eng)
	ctx := context.Background()

	if _, err := eng.Search(ctx, "web", 1, query.OrderAscPostDate); err != nil {
		t.Fatal(err)
	}
	if err := eng.DeleteArticle(ctx, "000000000004"); err != nil {
		t.Fatalf("DeleteArticle: %v", err)
	}
	res, err := eng.Search(ctx, "web", 1, query.OrderAscPostDate)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 0 {
		t.Errorf("count after delete = %d, want 0", res.Count)
	}

	if err := eng.DeleteArticle(ctx, "nope"); !errors.Is(err, pkgerrors.ErrArticleNotFound) {
		t.Errorf("DeleteArticle(nope) = %v, want ErrArticleNotFound", err)
	}
}

func TestUnknownOrderIsFatal(t *testing.T) {
	eng, _, _ := setupEngine(t)
	_, err := eng.Search(context.Background(), "go", 1, query.Order(42))
	if !errors.Is(err, pkgerrors.ErrUnknownOrder) {
		t.Errorf("Search with unknown order = %v, want ErrUnknownOrder", err)
	}
}
