package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/umputun/boardstore/app/domain"
	"github.com/umputun/boardstore/app/store"
)

// target implements migrate.Target over coordinator
type target struct {
	c *store.Coordinator
}

// MigrationState reads the initialized guard
func (t target) MigrationState(ctx context.Context) (store.MigrationState, bool, error) {
	rtx, err := t.c.BeginRead(ctx, store.PartitionMetadata)
	if err != nil {
		return store.MigrationState{}, false, err
	}
	defer rtx.Close()
	rec, found, err := rtx.Get(ctx, store.PartitionMetadata, store.MetaInitialized)
	if err != nil || !found {
		return store.MigrationState{}, false, err
	}
	var res store.MigrationState
	if err = decodeKV(rec, &res); err != nil {
		return store.MigrationState{}, false, err
	}
	return res, true, nil
}

// Empty checks there are no boards and no app data
func (t target) Empty(ctx context.Context) (bool, error) {
	rtx, err := t.c.BeginRead(ctx, store.PartitionBoards, store.PartitionMetadata)
	if err != nil {
		return false, err
	}
	defer rtx.Close()
	n, err := rtx.Count(ctx, store.PartitionBoards)
	if err != nil {
		return false, err
	}
	_, found, err := rtx.Get(ctx, store.PartitionMetadata, store.MetaAppData)
	if err != nil {
		return false, err
	}
	return n == 0 && !found, nil
}

// Import writes all snapshot records, app data and the guard in one transaction
func (t target) Import(ctx context.Context, snap domain.Snapshot, state store.MigrationState) error {
	flat, err := store.Flatten(snap)
	if err != nil {
		return err
	}
	app, err := store.NewKV(store.MetaAppData, store.AppData{
		CurrentBoardID: snap.CurrentBoardID,
		Filter:         snap.Filter,
		LastModified:   state.At,
		SchemaVersion:  store.SchemaVersion,
	})
	if err != nil {
		return err
	}
	guard, err := store.NewKV(store.MetaInitialized, state)
	if err != nil {
		return err
	}

	tx, err := t.c.BeginWrite(ctx, store.PartitionBoards, store.PartitionTasks, store.PartitionMetadata)
	if err != nil {
		return err
	}
	for p, recs := range flat.Records() {
		for _, rec := range recs {
			if err = tx.Put(p, rec); err != nil {
				tx.Discard()
				return err
			}
		}
	}
	for _, rec := range []store.KVRecord{app, guard} {
		if err = tx.Put(store.PartitionMetadata, rec); err != nil {
			tx.Discard()
			return err
		}
	}
	return tx.Commit(ctx).Err()
}

// MarkDone writes the guard only
func (t target) MarkDone(ctx context.Context, state store.MigrationState) error {
	guard, err := store.NewKV(store.MetaInitialized, state)
	if err != nil {
		return err
	}
	tx, err := t.c.BeginWrite(ctx, store.PartitionMetadata)
	if err != nil {
		return err
	}
	if err = tx.Put(store.PartitionMetadata, guard); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit(ctx).Err()
}

func decodeKV(rec store.KVRecord, v any) error {
	if err := json.Unmarshal([]byte(rec.Value), v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", rec.Name, err)
	}
	return nil
}
