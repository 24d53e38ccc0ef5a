package inspect

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// PurgeCollection deletes every record in a collection and returns how many
// were removed. The delete runs in a transaction that is rolled back on any
// error, leaving the collection unchanged. Purging an empty collection
// returns 0.
func (s *Store) PurgeCollection(ctx context.Context, collection string) (int64, error) {
	deleted, err := s.PurgeCollections(ctx, collection)
	if err != nil {
		return 0, err
	}
	return deleted[collection], nil
}

// PurgeCollections empties several collections, in the given order, inside
// one transaction. Either all of them are emptied or none is. Order
// dependents before the records they reference.
func (s *Store) PurgeCollections(ctx context.Context, collections ...string) (map[string]int64, error) {
	tables := make([]string, len(collections))
	for i, c := range collections {
		t, err := s.resolve(ctx, c)
		if err != nil {
			return nil, err
		}
		tables[i] = t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin purge: %w", err)
	}
	defer rollback(tx, s.logger)

	deleted := make(map[string]int64, len(collections))
	for i, table := range tables {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(table))
		if err != nil {
			return nil, fmt.Errorf("purge %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected %s: %w", table, err)
		}
		if err := s.dialect.afterPurge(ctx, tx, table); err != nil {
			return nil, err
		}
		deleted[collections[i]] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purge: %w", err)
	}
	for _, c := range collections {
		s.logger.Info("purged collection", zap.String("collection", c), zap.Int64("deleted", deleted[c]))
	}
	return deleted, nil
}
