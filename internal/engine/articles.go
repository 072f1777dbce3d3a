package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/168iroha/tag-search-engine/internal/events"
	"github.com/168iroha/tag-search-engine/internal/query"
	"github.com/168iroha/tag-search-engine/pkg/errors"
)

// InsertOrUpdateArticle upserts one article and reconciles its tag set
// against tagList inside a single transaction. Tags are matched on their
// normalized names; missing tag rows are created on the fly. After a
// successful commit, cache entries for every inserted or removed tag are
// invalidated (best-effort) unless updateCache is false.
func (e *Engine) InsertOrUpdateArticle(ctx context.Context, id, postDate, updateDate string, tagList []string, updateCache bool) error {
	var changed []string
	err := e.db.InTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			e.db.Rebind("SELECT id FROM posted_articles WHERE id = ?"), id,
		).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx,
				e.db.Rebind("INSERT INTO posted_articles (id, post_date, update_date) VALUES (?, ?, ?)"),
				id, postDate, updateDate,
			); err != nil {
				return fmt.Errorf("inserting article %s: %w", id, err)
			}
		case err != nil:
			return fmt.Errorf("probing article %s: %w", id, err)
		default:
			if _, err := tx.ExecContext(ctx,
				e.db.Rebind("UPDATE posted_articles SET post_date = ?, update_date = ? WHERE id = ?"),
				postDate, updateDate, id,
			); err != nil {
				return fmt.Errorf("updating article %s: %w", id, err)
			}
		}

		current, err := e.articleTags(ctx, tx, id)
		if err != nil {
			return err
		}

		want := make(map[string]struct{}, len(tagList))
		for _, org := range tagList {
			norm := query.Normalize(org)
			if norm == "" {
				continue
			}
			if _, ok := want[norm]; ok {
				continue
			}
			want[norm] = struct{}{}
			if _, ok := current[norm]; ok {
				continue
			}
			tagID, err := e.ensureTag(ctx, tx, org, norm)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				e.db.Rebind("INSERT INTO posted_articles_tags (article_id, tag_id) VALUES (?, ?)"),
				id, tagID,
			); err != nil {
				return fmt.Errorf("attaching tag %q: %w", norm, err)
			}
			changed = append(changed, norm)
		}

		for norm, tagID := range current {
			if _, ok := want[norm]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				e.db.Rebind("DELETE FROM posted_articles_tags WHERE article_id = ? AND tag_id = ?"),
				id, tagID,
			); err != nil {
				return fmt.Errorf("detaching tag %q: %w", norm, err)
			}
			changed = append(changed, norm)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.ArticleWritesTotal.WithLabelValues("upsert").Inc()
	}
	e.track(events.ArticleUpdated(id))

	if updateCache {
		e.invalidateTags(ctx, changed)
	}
	return nil
}

// DeleteArticle removes an article and its tag relations. The article's
// current tags are read before the transaction so the affected cache entries
// can be invalidated after commit.
func (e *Engine) DeleteArticle(ctx context.Context, id string) error {
	db, err := e.db.Handle()
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, e.db.Rebind(
		"SELECT tags.norm_name FROM tags "+
			"INNER JOIN posted_articles_tags ON tags.id = posted_articles_tags.tag_id "+
			"WHERE posted_articles_tags.article_id = ?"), id)
	if err != nil {
		return fmt.Errorf("reading tags of article %s: %w", id, err)
	}
	var deleteTags []string
	for rows.Next() {
		var norm string
		if err := rows.Scan(&norm); err != nil {
			rows.Close()
			return fmt.Errorf("scanning tag name: %w", err)
		}
		deleteTags = append(deleteTags, norm)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating tag names: %w", err)
	}
	rows.Close()

	err = e.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			e.db.Rebind("DELETE FROM posted_articles_tags WHERE article_id = ?"), id,
		); err != nil {
			return fmt.Errorf("deleting tag relations of %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx,
			e.db.Rebind("DELETE FROM posted_articles WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("deleting article %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errors.ErrArticleNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.ArticleWritesTotal.WithLabelValues("delete").Inc()
	}
	e.track(events.ArticleDeleted(id))

	e.invalidateTags(ctx, deleteTags)
	return nil
}

// invalidateTags invalidates the cache per tag, swallowing errors: article
// persistence already committed and must not be compromised by the cache.
func (e *Engine) invalidateTags(ctx context.Context, normNames []string) {
	for _, norm := range normNames {
		if err := e.InvalidateByTag(ctx, norm); err != nil {
			e.logger.Error("cache invalidation failed", "tag", norm, "error", err)
		}
	}
}

// articleTags returns the article's current tags as norm_name → tag id.
func (e *Engine) articleTags(ctx context.Context, tx *sql.Tx, articleID string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, e.db.Rebind(
		"SELECT tags.id, tags.norm_name FROM tags "+
			"INNER JOIN posted_articles_tags ON tags.id = posted_articles_tags.tag_id "+
			"WHERE posted_articles_tags.article_id = ?"), articleID)
	if err != nil {
		return nil, fmt.Errorf("reading tags of article %s: %w", articleID, err)
	}
	defer rows.Close()
	current := make(map[string]string)
	for rows.Next() {
		var tagID, norm string
		if err := rows.Scan(&tagID, &norm); err != nil {
			return nil, fmt.Errorf("scanning tag row: %w", err)
		}
		current[norm] = tagID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tag rows: %w", err)
	}
	return current, nil
}

// ensureTag returns the id of the tag with the given normalized name,
// creating the row if needed.
func (e *Engine) ensureTag(ctx context.Context, tx *sql.Tx, orgName, normName string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		e.db.Rebind("SELECT id FROM tags WHERE norm_name = ?"), normName,
	).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = tagID(normName)
		if _, err := tx.ExecContext(ctx,
			e.db.Rebind("INSERT INTO tags (id, org_name, norm_name) VALUES (?, ?, ?)"),
			id, orgName, normName,
		); err != nil {
			return "", fmt.Errorf("inserting tag %q: %w", normName, err)
		}
		return id, nil
	case err != nil:
		return "", fmt.Errorf("probing tag %q: %w", normName, err)
	}
	return id, nil
}

// tagID derives the fixed-width tag primary key from the normalized name.
func tagID(normName string) string {
	sum := sha256.Sum256([]byte(normName))
	return hex.EncodeToString(sum[:])[:14]
}
