package store

import (
	"context"
	"fmt"
	"sort"
)

// Delta is the set of writes bringing a partition in line with incoming records
type Delta struct {
	Partition Partition
	Deletes   []Key
	Puts      []Record
	Unchanged int
}

// Empty checks if delta has nothing to write
func (d Delta) Empty() bool { return len(d.Deletes) == 0 && len(d.Puts) == 0 }

func (d Delta) String() string {
	return fmt.Sprintf("%s: %d deletes, %d puts, %d unchanged", d.Partition, len(d.Deletes), len(d.Puts), d.Unchanged)
}

// Compute compares persisted records with incoming ones.
// Keys missing from incoming are deleted, new or changed records are put, equal records skipped.
// Ordered records keep their persisted positions while the incoming order agrees with them,
// so removing a sibling doesn't rewrite the rest. Deletes are sorted by key for stable ordering.
func Compute(p Partition, existing map[Key]Stored, incoming []Record) Delta {
	res := Delta{Partition: p}
	seen := make(map[Key]struct{}, len(incoming))
	for _, rec := range arrange(existing, incoming) {
		k := rec.Key()
		seen[k] = struct{}{}
		if st, ok := existing[k]; ok && st.Sum == rec.Sum() && st.Position == position(rec) {
			res.Unchanged++
			continue
		}
		res.Puts = append(res.Puts, rec)
	}

	// first save, nothing to delete
	if len(existing) == 0 {
		return res
	}
	for k := range existing {
		if _, ok := seen[k]; !ok {
			res.Deletes = append(res.Deletes, k)
		}
	}
	sort.Slice(res.Deletes, func(i, j int) bool {
		if res.Deletes[i].Scope != res.Deletes[j].Scope {
			return res.Deletes[i].Scope < res.Deletes[j].Scope
		}
		return res.Deletes[i].ID < res.Deletes[j].ID
	})
	return res
}

// arrange assigns positions to ordered records, group by group. Persisted positions are kept if they
// grow along the incoming order, new records go right after the previous sibling.
// A group whose order changed is renumbered from zero.
func arrange(existing map[Key]Stored, incoming []Record) []Record {
	res := make([]Record, len(incoming))
	copy(res, incoming)

	groups := map[string][]int{}
	names := []string{}
	for i, rec := range res {
		o, ok := rec.(ordered)
		if !ok {
			continue
		}
		g := o.group()
		if _, found := groups[g]; !found {
			names = append(names, g)
		}
		groups[g] = append(groups[g], i)
	}

	for _, g := range names {
		idx := groups[g]
		positions := make([]int, 0, len(idx))
		last := -1
		for _, i := range idx {
			pos := last + 1
			if st, ok := existing[res[i].Key()]; ok {
				if st.Position <= last {
					positions = nil // order changed
					break
				}
				pos = st.Position
			}
			positions = append(positions, pos)
			last = pos
		}
		for n, i := range idx {
			pos := n
			if positions != nil {
				pos = positions[n]
			}
			res[i] = res[i].(ordered).withPosition(pos)
		}
	}
	return res
}

func position(rec Record) int {
	if o, ok := rec.(ordered); ok {
		return o.Pos()
	}
	return 0
}

// Apply queues deletes and then puts of the delta into write transaction
func (d Delta) Apply(tx *WriteTx) error {
	for _, k := range d.Deletes {
		if err := tx.Delete(d.Partition, k); err != nil {
			return err
		}
	}
	for _, rec := range d.Puts {
		if err := tx.Put(d.Partition, rec); err != nil {
			return err
		}
	}
	return nil
}

// DiffPartitions reads persisted fingerprints for each partition in a single read transaction
// and computes deltas against incoming records. Partitions are processed in the given order.
func DiffPartitions(ctx context.Context, c *Coordinator, incoming map[Partition][]Record, order ...Partition) ([]Delta, error) {
	rtx, err := c.BeginRead(ctx, order...)
	if err != nil {
		return nil, err
	}
	defer rtx.Close()

	res := make([]Delta, 0, len(order))
	for _, p := range order {
		existing, err := rtx.Fingerprints(ctx, p)
		if err != nil {
			return nil, err
		}
		res = append(res, Compute(p, existing, incoming[p]))
	}
	return res, nil
}
