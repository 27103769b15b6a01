package storage

import (
	"context"
	"time"

	"github.com/umputun/boardstore/app/store"
)

// Stats is a summary of storage state
type Stats struct {
	Persistent    bool                 `json:"persistent"`
	Path          string               `json:"path,omitempty"`
	SchemaVersion int                  `json:"schema_version"`
	Boards        int                  `json:"boards"`
	Tasks         int                  `json:"tasks"`
	ArchivedTasks int                  `json:"archived_tasks"`
	Settings      int                  `json:"settings"`
	LastModified  time.Time            `json:"last_modified"`
	Migration     store.MigrationState `json:"migration"`
	Size          int64                `json:"size"`
	Ops           store.OpStats        `json:"ops"`
}

// Stats returns counts of persisted records, migration state and database size
func (s *Storage) Stats(ctx context.Context) (Stats, error) {
	var res Stats
	err := s.do(ctx, "stats", func(ctx context.Context) error {
		if err := s.ensureReady(ctx); err != nil {
			return err
		}
		res = Stats{Persistent: !s.noPersist.Load()}
		if !res.Persistent {
			return nil
		}
		res.Path = s.conn.Path()
		res.SchemaVersion = s.conn.Version()
		res.Ops = s.coord.Stats()

		rtx, err := s.coord.BeginRead(ctx, store.PartitionBoards, store.PartitionTasks,
			store.PartitionSettings, store.PartitionMetadata)
		if err != nil {
			return err
		}
		defer rtx.Close()

		if res.Boards, err = rtx.Count(ctx, store.PartitionBoards); err != nil {
			return err
		}
		tasks, err := rtx.Count(ctx, store.PartitionTasks)
		if err != nil {
			return err
		}
		if res.ArchivedTasks, err = rtx.CountArchived(ctx); err != nil {
			return err
		}
		res.Tasks = tasks - res.ArchivedTasks
		if res.Settings, err = rtx.Count(ctx, store.PartitionSettings); err != nil {
			return err
		}

		appRec, found, err := rtx.Get(ctx, store.PartitionMetadata, store.MetaAppData)
		if err != nil {
			return err
		}
		if found {
			var app store.AppData
			if err = decodeKV(appRec, &app); err != nil {
				return err
			}
			if app.LastModified > 0 {
				res.LastModified = time.UnixMilli(app.LastModified).UTC()
			}
		}
		guard, found, err := rtx.Get(ctx, store.PartitionMetadata, store.MetaInitialized)
		if err != nil {
			return err
		}
		if found {
			if err = decodeKV(guard, &res.Migration); err != nil {
				return err
			}
		}

		if res.Size, err = s.conn.Size(ctx); err != nil {
			return err
		}
		return nil
	})
	return res, err
}
