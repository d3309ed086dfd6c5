// Package detect implements differential change detection between the
// legacy source and the redesigned destination. A pass scans in batches,
// classifies records as new, modified, or deleted, and aggregates one
// Result; individual change records never outlive the pass.
package detect

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/source"
)

// SourceScanner is the read surface the detector needs from the legacy side.
type SourceScanner interface {
	Count(ctx context.Context, d entity.Descriptor) (int64, error)
	ScanKeys(ctx context.Context, d entity.Descriptor, afterID string, limit int) ([]source.Key, error)
	ScanKeysModifiedSince(ctx context.Context, d entity.Descriptor, cursor time.Time, afterID string, limit int) ([]source.Key, error)
	FetchRecords(ctx context.Context, d entity.Descriptor, ids []string) ([]source.Record, error)
}

// DestinationScanner is the read surface the detector needs from the
// destination side.
type DestinationScanner interface {
	Count(ctx context.Context, d entity.Descriptor) (int64, error)
	ScanKeys(ctx context.Context, d entity.Descriptor, afterID string, limit int) ([]source.Key, error)
	ExistingIDs(ctx context.Context, d entity.Descriptor, ids []string) (map[string]bool, error)
	FetchRecords(ctx context.Context, d entity.Descriptor, ids []string) ([]source.Record, error)
}

// HashStore persists the per-entity content hash map used by the checksum
// strategy.
type HashStore interface {
	GetEntityHashes(entityType string, limit int) (map[string]string, error)
	UpsertEntityHashes(entityType string, hashes map[string]string) error
}

// Detector runs detection passes. Each entity's detector use is
// single-flight; concurrent passes run across entities, not within one.
type Detector struct {
	src     SourceScanner
	dst     DestinationScanner
	hashes  HashStore
	catalog *entity.Catalog
}

// New creates a detector over the given scanners and catalog.
func New(src SourceScanner, dst DestinationScanner, hashes HashStore, catalog *entity.Catalog) *Detector {
	return &Detector{src: src, dst: dst, hashes: hashes, catalog: catalog}
}

// DetectChanges runs one detection pass for an entity with the given
// strategy. An unknown entity type fails immediately as a configuration
// error; a transient connection error during a batch aborts the pass and
// surfaces to the caller for retry.
func (dt *Detector) DetectChanges(ctx context.Context, entityType string, strategy Strategy, opts Options) (*Result, error) {
	desc, err := dt.catalog.Get(entityType)
	if err != nil {
		return nil, err
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("invalid value for detection batch size: %d", opts.BatchSize)
	}

	start := time.Now()
	res := &Result{
		EntityType:        entityType,
		AnalysisTimestamp: start.UTC(),
		AnalysisMetadata:  map[string]any{"strategy": strategy.Name()},
	}
	queries := 0

	res.SourceRecordCount, err = dt.src.Count(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("counting source %s: %w", entityType, err)
	}
	queries++
	res.DestinationRecordCount, err = dt.dst.Count(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("counting destination %s: %w", entityType, err)
	}
	queries++

	switch s := strategy.(type) {
	case TimestampStrategy:
		err = dt.detectByTimestamp(ctx, desc, s, opts, res, &queries)
	case IDStrategy:
		err = dt.detectByID(ctx, desc, s, opts, res, &queries)
	case ChecksumStrategy:
		err = dt.detectByChecksum(ctx, desc, opts, res, &queries)
	default:
		err = fmt.Errorf("invalid value for detection strategy: %T", strategy)
	}
	if err != nil {
		return nil, err
	}

	if opts.IncludeDeletes {
		if _, isChecksum := strategy.(ChecksumStrategy); !isChecksum {
			if err := dt.detectDeletes(ctx, desc, opts, res, &queries); err != nil {
				return nil, err
			}
		}
	}

	if opts.MaxAnalysisRecords > 0 && res.TotalChanged() > opts.MaxAnalysisRecords {
		return nil, fmt.Errorf("analysis result for %s references %d records, exceeds ceiling %d (invariant)",
			entityType, res.TotalChanged(), opts.MaxAnalysisRecords)
	}

	res.Summary = Summary{
		NewCount:      len(res.NewRecords),
		ModifiedCount: len(res.ModifiedRecords),
		DeletedCount:  len(res.DeletedRecords),
	}
	if res.SourceRecordCount > 0 {
		res.Summary.ChangePercent = float64(res.TotalChanged()) / float64(res.SourceRecordCount) * 100
	}

	duration := time.Since(start)
	res.Performance = Performance{Duration: duration, QueriesExecuted: queries}
	if duration > 0 {
		res.Performance.RecordsPerSecond = float64(res.TotalChanged()) / duration.Seconds()
	}

	return res, nil
}

// detectByTimestamp scans source rows modified strictly after the cursor.
// Rows absent from the destination are new, present rows are modified. A
// row whose timestamp equals the cursor exactly is excluded so consecutive
// runs with the same cursor never double-process.
func (dt *Detector) detectByTimestamp(ctx context.Context, desc entity.Descriptor, s TimestampStrategy, opts Options, res *Result, queries *int) error {
	afterID := ""
	for {
		keys, err := dt.src.ScanKeysModifiedSince(ctx, desc, s.Cursor, afterID, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("scanning %s since %s: %w", desc.EntityType, s.Cursor.Format(time.RFC3339), err)
		}
		*queries++
		if len(keys) == 0 {
			return nil
		}

		ids := make([]string, len(keys))
		byID := make(map[string]source.Key, len(keys))
		for i, k := range keys {
			ids[i] = k.ID
			byID[k.ID] = k
		}

		existing, err := dt.dst.ExistingIDs(ctx, desc, ids)
		if err != nil {
			return fmt.Errorf("checking destination ids for %s: %w", desc.EntityType, err)
		}
		*queries++

		var modifiedIDs []string
		for _, id := range ids {
			if existing[id] {
				modifiedIDs = append(modifiedIDs, id)
			} else {
				res.addChange(ChangeRecord{
					RecordID:        id,
					ChangeType:      ChangeNew,
					SourceTimestamp: byID[id].ModifiedAt,
					Confidence:      1.0,
				})
			}
		}

		if len(modifiedIDs) > 0 {
			if opts.EnableContentHashing {
				if err := dt.confirmModifiedByHash(ctx, desc, modifiedIDs, byID, res, queries); err != nil {
					return err
				}
			} else {
				for _, id := range modifiedIDs {
					res.addChange(ChangeRecord{
						RecordID:        id,
						ChangeType:      ChangeModified,
						SourceTimestamp: byID[id].ModifiedAt,
						Confidence:      0.8, // timestamp evidence only
					})
				}
			}
		}

		if len(keys) < opts.BatchSize {
			return nil
		}
		afterID = keys[len(keys)-1].ID
	}
}

// confirmModifiedByHash compares canonical content hashes of candidate
// modified rows so formatting-only differences never produce false
// positives. Rows whose hashes match are dropped from the result.
func (dt *Detector) confirmModifiedByHash(ctx context.Context, desc entity.Descriptor, ids []string, byID map[string]source.Key, res *Result, queries *int) error {
	srcRecs, err := dt.src.FetchRecords(ctx, desc, ids)
	if err != nil {
		return fmt.Errorf("fetching source rows for hashing: %w", err)
	}
	*queries++
	dstRecs, err := dt.dst.FetchRecords(ctx, desc, ids)
	if err != nil {
		return fmt.Errorf("fetching destination rows for hashing: %w", err)
	}
	*queries++

	dstHash := make(map[string]string, len(dstRecs))
	dstTime := make(map[string]*time.Time, len(dstRecs))
	for _, r := range dstRecs {
		dstHash[r.ID] = CanonicalHash(r.Fields, desc.CompareColumns)
		dstTime[r.ID] = r.ModifiedAt
	}

	for _, r := range srcRecs {
		srcHash := CanonicalHash(r.Fields, desc.CompareColumns)
		prev, present := dstHash[r.ID]
		if !present {
			res.addChange(ChangeRecord{
				RecordID:        r.ID,
				ChangeType:      ChangeNew,
				SourceTimestamp: r.ModifiedAt,
				ContentHash:     srcHash,
				Confidence:      1.0,
			})
			continue
		}
		if srcHash == prev {
			continue // content identical, timestamp churn only
		}
		res.addChange(ChangeRecord{
			RecordID:             r.ID,
			ChangeType:           ChangeModified,
			SourceTimestamp:      r.ModifiedAt,
			DestinationTimestamp: dstTime[r.ID],
			ContentHash:          srcHash,
			PreviousContentHash:  prev,
			Confidence:           1.0,
		})
	}
	return nil
}

// detectByID treats primary keys strictly greater than the last processed
// id as new. Earlier ids are checked for modification via content hash
// when hashing is enabled, else skipped.
func (dt *Detector) detectByID(ctx context.Context, desc entity.Descriptor, s IDStrategy, opts Options, res *Result, queries *int) error {
	// New rows: keys beyond the cursor
	afterID := s.LastProcessedID
	for {
		keys, err := dt.src.ScanKeys(ctx, desc, afterID, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("scanning %s after id %q: %w", desc.EntityType, afterID, err)
		}
		*queries++
		if len(keys) == 0 {
			break
		}
		for _, k := range keys {
			res.addChange(ChangeRecord{
				RecordID:        k.ID,
				ChangeType:      ChangeNew,
				SourceTimestamp: k.ModifiedAt,
				Confidence:      1.0,
			})
		}
		if len(keys) < opts.BatchSize {
			break
		}
		afterID = keys[len(keys)-1].ID
	}

	if !opts.EnableContentHashing || s.LastProcessedID == "" {
		return nil
	}

	// Existing rows: hash-compare source against destination up to the cursor
	afterID = ""
	for {
		keys, err := dt.src.ScanKeys(ctx, desc, afterID, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("scanning %s for hash comparison: %w", desc.EntityType, err)
		}
		*queries++
		if len(keys) == 0 {
			return nil
		}

		var ids []string
		byID := make(map[string]source.Key, len(keys))
		exhausted := false
		for _, k := range keys {
			if compareIDs(k.ID, s.LastProcessedID) > 0 {
				exhausted = true
				break
			}
			ids = append(ids, k.ID)
			byID[k.ID] = k
		}
		if len(ids) > 0 {
			if err := dt.confirmModifiedByHash(ctx, desc, ids, byID, res, queries); err != nil {
				return err
			}
		}
		if exhausted || len(keys) < opts.BatchSize {
			return nil
		}
		afterID = keys[len(keys)-1].ID
	}
}

// detectByChecksum hashes every source row and compares against the stored
// per-entity hash map. The computed hashes are returned on the result's
// metadata for the caller to commit after a successful migration; the pass
// itself never mutates the tracking map.
func (dt *Detector) detectByChecksum(ctx context.Context, desc entity.Descriptor, opts Options, res *Result, queries *int) error {
	stored, err := dt.hashes.GetEntityHashes(desc.EntityType, opts.MaxAnalysisRecords)
	if err != nil {
		return fmt.Errorf("loading stored hashes for %s: %w", desc.EntityType, err)
	}

	computed := make(map[string]string)
	seen := make(map[string]bool)
	afterID := ""
	for {
		keys, err := dt.src.ScanKeys(ctx, desc, afterID, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("scanning %s for checksum: %w", desc.EntityType, err)
		}
		*queries++
		if len(keys) == 0 {
			break
		}

		ids := make([]string, len(keys))
		for i, k := range keys {
			ids[i] = k.ID
		}
		recs, err := dt.src.FetchRecords(ctx, desc, ids)
		if err != nil {
			return fmt.Errorf("fetching %s rows for checksum: %w", desc.EntityType, err)
		}
		*queries++

		for _, r := range recs {
			hash := CanonicalHash(r.Fields, desc.CompareColumns)
			computed[r.ID] = hash
			seen[r.ID] = true

			prev, tracked := stored[r.ID]
			switch {
			case !tracked:
				res.addChange(ChangeRecord{
					RecordID:        r.ID,
					ChangeType:      ChangeNew,
					SourceTimestamp: r.ModifiedAt,
					ContentHash:     hash,
					Confidence:      1.0,
				})
			case prev != hash:
				res.addChange(ChangeRecord{
					RecordID:            r.ID,
					ChangeType:          ChangeModified,
					SourceTimestamp:     r.ModifiedAt,
					ContentHash:         hash,
					PreviousContentHash: prev,
					Confidence:          1.0,
				})
			}
		}

		if len(keys) < opts.BatchSize {
			break
		}
		afterID = keys[len(keys)-1].ID
	}

	if opts.IncludeDeletes {
		for id := range stored {
			if !seen[id] {
				res.addChange(ChangeRecord{
					RecordID:   id,
					ChangeType: ChangeDeleted,
					Confidence: 1.0,
				})
			}
		}
	}

	res.AnalysisMetadata["computed_hashes"] = computed
	return nil
}

// detectDeletes performs the opt-in full-window set difference: destination
// ids with no corresponding source id are deleted. This scans both sides
// completely and is the most expensive option.
func (dt *Detector) detectDeletes(ctx context.Context, desc entity.Descriptor, opts Options, res *Result, queries *int) error {
	srcIDs := make(map[string]bool)
	afterID := ""
	for {
		keys, err := dt.src.ScanKeys(ctx, desc, afterID, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("scanning source window of %s: %w", desc.EntityType, err)
		}
		*queries++
		if len(keys) == 0 {
			break
		}
		for _, k := range keys {
			srcIDs[k.ID] = true
		}
		if len(keys) < opts.BatchSize {
			break
		}
		afterID = keys[len(keys)-1].ID
	}

	classified := make(map[string]bool, res.TotalChanged())
	for _, id := range res.NewRecords {
		classified[id] = true
	}
	for _, id := range res.ModifiedRecords {
		classified[id] = true
	}

	afterID = ""
	for {
		keys, err := dt.dst.ScanKeys(ctx, desc, afterID, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("scanning destination window of %s: %w", desc.EntityType, err)
		}
		*queries++
		if len(keys) == 0 {
			return nil
		}
		for _, k := range keys {
			if !srcIDs[k.ID] && !classified[k.ID] {
				res.addChange(ChangeRecord{
					RecordID:             k.ID,
					ChangeType:           ChangeDeleted,
					DestinationTimestamp: k.ModifiedAt,
					Confidence:           1.0,
				})
			}
		}
		if len(keys) < opts.BatchSize {
			return nil
		}
		afterID = keys[len(keys)-1].ID
	}
}

// addChange appends a change record and places its id into exactly one of
// the three category sets.
func (r *Result) addChange(c ChangeRecord) {
	r.Changes = append(r.Changes, c)
	switch c.ChangeType {
	case ChangeNew:
		r.NewRecords = append(r.NewRecords, c.RecordID)
	case ChangeModified:
		r.ModifiedRecords = append(r.ModifiedRecords, c.RecordID)
	case ChangeDeleted:
		r.DeletedRecords = append(r.DeletedRecords, c.RecordID)
	}
}

// compareIDs orders two record ids numerically when both parse as
// integers, else lexically.
func compareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
