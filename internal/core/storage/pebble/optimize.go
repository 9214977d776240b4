package pebble

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/syntrixbase/appsearch/pkg/model"
	"go.mongodb.org/mongo-driver/bson"
)

func (s *Store) loadOptimize() error {
	data, err := getValue(s.db, keyOptimizeBytes)
	if err != nil {
		return err
	}
	if data == nil {
		s.optimize = optimizeRecord{LastRunMillis: s.nowMillis()}
		return nil
	}
	if err := bson.Unmarshal(data, &s.optimize); err != nil {
		return fmt.Errorf("%w: optimize record: %v", model.ErrCorrupted, err)
	}
	return nil
}

// optimizeDue reports whether enough obsolete data accumulated. Caller holds optMu.
func (s *Store) optimizeDue(now time.Time) bool {
	if s.optimize.Obsolete == 0 {
		return false
	}
	if s.cfg.OptimizeThreshold > 0 && s.optimize.Obsolete >= s.cfg.OptimizeThreshold {
		return true
	}
	if s.cfg.OptimizeInterval > 0 {
		last := time.UnixMilli(s.optimize.LastRunMillis)
		return now.Sub(last) >= s.cfg.OptimizeInterval
	}
	return false
}

// CheckForOptimize adds mutationCount to the obsolete counter and, when due,
// drops expired documents and compacts the keyspace.
func (s *Store) CheckForOptimize(ctx context.Context, mutationCount int) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	s.optMu.Lock()
	defer s.optMu.Unlock()

	if mutationCount > 0 {
		s.optimize.Obsolete += mutationCount
	}
	return s.optimizeLocked(true)
}

// CompactIfDue compacts the keyspace when an optimize is due. It never
// removes documents: expired ones are left to the next CheckForOptimize.
func (s *Store) CompactIfDue(ctx context.Context) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	s.optMu.Lock()
	defer s.optMu.Unlock()
	return s.optimizeLocked(false)
}

// optimizeLocked runs a due optimize. A sweeping call also runs a sweep
// left pending by an earlier compaction. Caller holds optMu.
func (s *Store) optimizeLocked(sweep bool) error {
	now := s.now()
	due := s.optimizeDue(now)
	if !due && !(sweep && s.optimize.SweepPending) {
		return nil
	}

	expired := 0
	if sweep {
		n, err := s.sweepExpired(now.UnixMilli())
		if err != nil {
			return err
		}
		expired = n
		s.optimize.SweepPending = false
	}

	obsolete := s.optimize.Obsolete
	if due {
		if err := s.db.Compact([]byte{0x00}, []byte{0xff}, true); err != nil {
			return fmt.Errorf("%w: compaction failed: %v", model.ErrIO, err)
		}
		s.optimize.Obsolete = 0
		s.optimize.LastRunMillis = now.UnixMilli()
		s.optimize.CompactionRuns++
		if !sweep {
			s.optimize.SweepPending = true
		}
	}
	if err := s.saveOptimize(); err != nil {
		return err
	}

	s.logger.Info("Store optimized",
		"obsolete_mutations", obsolete, "expired_documents", expired, "compacted", due, "swept", sweep)
	return nil
}

func (s *Store) saveOptimize() error {
	data, err := bson.Marshal(s.optimize)
	if err != nil {
		return fmt.Errorf("failed to encode optimize record: %w", err)
	}
	if err := s.db.Set(keyOptimizeBytes, data, s.writeOpts); err != nil {
		return fmt.Errorf("%w: failed to write optimize record: %v", model.ErrIO, err)
	}
	return nil
}

// sweepExpired removes every document whose TTL elapsed.
func (s *Store) sweepExpired(nowMillis int64) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prefix := []byte(prefixDoc)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil || !rec.expired(nowMillis) {
			continue
		}
		idx, err := typeKeyForDocKey(iter.Key(), rec.SchemaType)
		if err != nil {
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return 0, fmt.Errorf("failed to batch delete: %w", err)
		}
		if err := batch.Delete(idx, nil); err != nil {
			return 0, fmt.Errorf("failed to batch delete: %w", err)
		}
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return 0, fmt.Errorf("%w: failed to commit expiry sweep: %v", model.ErrIO, err)
	}
	return count, nil
}
