package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// invalidateStmts are the per-transaction prepared statements shared by all
// entry invalidations within one sweep.
type invalidateStmts struct {
	updateExpiration *sql.Stmt
	deleteEntry      *sql.Stmt
	deleteEntryTags  *sql.Stmt
}

func (m *Manager) prepareInvalidate(ctx context.Context, tx *sql.Tx) (*invalidateStmts, error) {
	update, err := tx.PrepareContext(ctx,
		m.db.Rebind("UPDATE tag_search_caches SET expiration_time = ? WHERE id = ?"))
	if err != nil {
		return nil, fmt.Errorf("preparing expiration update: %w", err)
	}
	deleteEntry, err := tx.PrepareContext(ctx,
		m.db.Rebind("DELETE FROM tag_search_caches WHERE id = ?"))
	if err != nil {
		update.Close()
		return nil, fmt.Errorf("preparing entry delete: %w", err)
	}
	deleteTags, err := tx.PrepareContext(ctx,
		m.db.Rebind("DELETE FROM tag_search_caches_tags WHERE cache_id = ?"))
	if err != nil {
		update.Close()
		deleteEntry.Close()
		return nil, fmt.Errorf("preparing entry tag delete: %w", err)
	}
	return &invalidateStmts{
		updateExpiration: update,
		deleteEntry:      deleteEntry,
		deleteEntryTags:  deleteTags,
	}, nil
}

func (st *invalidateStmts) close() {
	st.updateExpiration.Close()
	st.deleteEntry.Close()
	st.deleteEntryTags.Close()
}

// invalidateInTx takes one entry out of service inside the caller's
// transaction. Renaming the directory out of the visible namespace is the
// primitive that makes deletion atomic with respect to readers; when the
// rename fails (readers hold the directory) the expiration is dropped to now
// on both tiers and the file delete is deferred to the next sweep.
func (m *Manager) invalidateInTx(ctx context.Context, st *invalidateStmts, key string) error {
	now := m.now()
	marked := m.dir(key) + "." + now.UTC().Format(renameTimeLayout)
	if err := os.Rename(m.dir(key), marked); err == nil {
		if _, err := st.deleteEntryTags.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("deleting cache tag rows: %w", err)
		}
		if _, err := st.deleteEntry.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("deleting cache entry row: %w", err)
		}
		m.logger.Debug("cache entry invalidated", "key", key)
		return nil
	}

	if err := m.Update(key, &now); err != nil {
		m.logger.Error("shortening on-disk expiration failed", "key", key, "error", err)
	}
	if _, err := st.updateExpiration.ExecContext(ctx, now.UTC(), key); err != nil {
		return fmt.Errorf("shortening cache entry expiration: %w", err)
	}
	m.logger.Debug("cache entry delete deferred", "key", key)
	return nil
}

// DeleteByTag invalidates every entry whose query contained the given
// normalized tag. The affected ids are materialized into a session-scoped
// temporary table first, then each entry is invalidated under the same
// transaction.
func (m *Manager) DeleteByTag(ctx context.Context, normName string) error {
	return m.db.InTx(ctx, func(tx *sql.Tx) error {
		// A leftover table from a rolled-back transaction on this session
		// would break the CREATE below.
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS delete_caches"); err != nil {
			return fmt.Errorf("dropping stale temp table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.db.Rebind(
			"CREATE TEMPORARY TABLE delete_caches AS "+
				"SELECT DISTINCT cache_id FROM tag_search_caches_tags "+
				"INNER JOIN tags ON tag_search_caches_tags.tag_id = tags.id "+
				"WHERE tags.norm_name = ?"), normName,
		); err != nil {
			return fmt.Errorf("materializing cache ids for tag %q: %w", normName, err)
		}

		keys, err := collectKeys(ctx, tx, "SELECT cache_id FROM delete_caches")
		if err != nil {
			return err
		}

		st, err := m.prepareInvalidate(ctx, tx)
		if err != nil {
			return err
		}
		defer st.close()

		for _, key := range keys {
			if err := m.invalidateInTx(ctx, st, key); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, "DROP TABLE delete_caches"); err != nil {
			return fmt.Errorf("dropping temp table: %w", err)
		}
		return nil
	})
}

// DeleteByDatetime invalidates entries whose database expiration has passed
// deadline. Each candidate's on-disk expiration is re-read first: a reader
// may have slid it forward since the row was selected, in which case only
// the database row is synced to the on-disk value. Entries whose expiration
// file is locked right now are skipped until the next run.
func (m *Manager) DeleteByDatetime(ctx context.Context, deadline time.Time) error {
	return m.db.InTx(ctx, func(tx *sql.Tx) error {
		keys, err := collectKeys(ctx, tx,
			m.db.Rebind("SELECT id FROM tag_search_caches WHERE expiration_time <= ?"),
			deadline.UTC())
		if err != nil {
			return err
		}

		st, err := m.prepareInvalidate(ctx, tx)
		if err != nil {
			return err
		}
		defer st.close()

		for _, key := range keys {
			onDisk, err := m.ExpirationTime(key)
			if err != nil {
				// Corrupt or half-created entry: take it out regardless.
				if err := m.invalidateInTx(ctx, st, key); err != nil {
					return err
				}
				continue
			}
			if onDisk == nil {
				continue
			}
			if onDisk.After(m.now()) {
				if _, err := st.updateExpiration.ExecContext(ctx, onDisk.UTC(), key); err != nil {
					return fmt.Errorf("syncing expiration for %s: %w", key, err)
				}
				continue
			}
			if err := m.invalidateInTx(ctx, st, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func collectKeys(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting cache ids: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning cache id: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cache ids: %w", err)
	}
	return keys, nil
}

// SweepFiles removes the contents and directory of every invalidated entry
// (directories whose basename carries the rename marker). Failures are
// logged and retried on the next sweep. Returns the number of directories
// fully removed.
func (m *Manager) SweepFiles() (int, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading cache base directory: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !markedForSweep(e.Name()) {
			continue
		}
		dir := filepath.Join(m.base, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			m.logger.Warn("sweep: reading invalidated directory failed", "dir", dir, "error", err)
			continue
		}
		ok := true
		for _, f := range files {
			if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
				m.logger.Warn("sweep: removing cache file failed", "file", f.Name(), "error", err)
				ok = false
			}
		}
		if !ok {
			continue
		}
		if err := os.Remove(dir); err != nil {
			m.logger.Warn("sweep: removing invalidated directory failed", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
