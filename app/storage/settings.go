package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/umputun/boardstore/app/store"
)

// SaveSettings replaces persisted settings with given values. Keys missing from values are removed,
// unchanged values are not rewritten.
func (s *Storage) SaveSettings(ctx context.Context, values map[string]json.RawMessage) error {
	return s.do(ctx, "save-settings", func(ctx context.Context) error {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		recs := make([]store.Record, 0, len(values))
		for _, k := range keys {
			if k == "" {
				return &store.SerializationError{Reason: "empty setting key"}
			}
			buf := bytes.Buffer{}
			if err := json.Compact(&buf, values[k]); err != nil {
				return &store.SerializationError{Reason: "setting " + k + " is not valid json: " + err.Error()}
			}
			recs = append(recs, store.KVRecord{Name: k, Value: buf.String()})
		}

		if err := s.ensureReady(ctx); err != nil {
			return err
		}
		if s.noPersist.Load() {
			return ErrNotPersistent
		}

		deltas, err := store.DiffPartitions(ctx, s.coord, map[store.Partition][]store.Record{store.PartitionSettings: recs},
			store.PartitionSettings)
		if err != nil {
			return err
		}
		tx, err := s.coord.BeginWrite(ctx, store.PartitionSettings)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			if err = d.Apply(tx); err != nil {
				tx.Discard()
				return err
			}
		}
		return tx.Commit(ctx).Err()
	})
}

// LoadSettings returns all persisted settings, empty map for non-persistent storage
func (s *Storage) LoadSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	res := map[string]json.RawMessage{}
	err := s.do(ctx, "load-settings", func(ctx context.Context) error {
		if err := s.ensureReady(ctx); err != nil {
			return err
		}
		if s.noPersist.Load() {
			return nil
		}
		rtx, err := s.coord.BeginRead(ctx, store.PartitionSettings)
		if err != nil {
			return err
		}
		defer rtx.Close()
		recs, err := rtx.KV(ctx, store.PartitionSettings)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			res[rec.Name] = json.RawMessage(rec.Value)
		}
		return nil
	})
	if err != nil {
		return map[string]json.RawMessage{}, err
	}
	return res, nil
}
