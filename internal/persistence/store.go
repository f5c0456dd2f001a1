package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// Store aggregates all repositories over one database handle and carries
// the compound transactional operations the agents need.
type Store struct {
	db *sql.DB

	Requests    *RequestRepository
	Transforms  *TransformRepository
	Processings *ProcessingRepository
	Collections *CollectionRepository
	Contents    *ContentRepository
	Messages    *MessageRepository
	Health      *HealthRepository
	Commands    *CommandRepository
}

// NewStore creates a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:          db,
		Requests:    NewRequestRepository(db),
		Transforms:  NewTransformRepository(db),
		Processings: NewProcessingRepository(db),
		Collections: NewCollectionRepository(db),
		Contents:    NewContentRepository(db),
		Messages:    NewMessageRepository(db),
		Health:      NewHealthRepository(db),
		Commands:    NewCommandRepository(db),
	}
}

// DB exposes the underlying handle for migration and shutdown.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateRequestWithTransforms inserts new transforms, applies
// per-transform updates and updates the request, all in one transaction.
// finalize runs after the inserts so the request fields it returns can
// embed the freshly assigned transform ids; a crash can therefore never
// separate the transform rows from the request snapshot that records
// them. Returns the ids of the inserted transforms in input order.
func (s *Store) UpdateRequestWithTransforms(
	requestID int64,
	newTransforms []*Transform,
	transformUpdates map[int64]map[string]any,
	finalize func(transformIDs []int64) (map[string]any, error),
) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(newTransforms))
	for _, t := range newTransforms {
		t.RequestID = requestID
		id, err := createTransformTx(tx, t)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	for tfID, fields := range transformUpdates {
		if err := updateTransformTx(tx, tfID, fields); err != nil {
			return nil, err
		}
	}

	if finalize != nil {
		requestFields, err := finalize(ids)
		if err != nil {
			return nil, err
		}
		if len(requestFields) > 0 {
			if err := updateRequestTx(tx, requestID, requestFields); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return ids, nil
}

// AddTransformOutputs persists one transformer cycle's output: new
// contents, mapped-input flips, collection updates, an optional new
// processing, and the transform update, atomically.
func (s *Store) AddTransformOutputs(
	transformID int64,
	transformFields map[string]any,
	collectionUpdates map[int64]map[string]any,
	newContents []*Content,
	mappedInputs []ContentSubstatus,
	newProcessing *Processing,
) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range newContents {
		if _, err := createContentTx(tx, c); err != nil {
			// Retried batches may partially exist already.
			if errors.Is(err, ErrDuplicated) {
				continue
			}
			return 0, err
		}
	}

	if len(mappedInputs) > 0 {
		if err := updateSubstatusBatchTx(tx, mappedInputs); err != nil {
			return 0, err
		}
	}

	for collID, fields := range collectionUpdates {
		if err := updateCollectionTx(tx, collID, fields); err != nil {
			return 0, err
		}
	}

	var processingID int64
	if newProcessing != nil {
		newProcessing.TransformID = transformID
		processingID, err = createProcessingTx(tx, newProcessing)
		if err != nil {
			return 0, err
		}
	}

	if len(transformFields) > 0 {
		if err := updateTransformTx(tx, transformID, transformFields); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return processingID, nil
}

// UpdateProcessingContents persists one carrier cycle's reconciliation:
// the processing update, the batched content substatus writes, and the
// shadow rows feeding the propagation trigger, atomically.
func (s *Store) UpdateProcessingContents(
	processingID int64,
	processingFields map[string]any,
	contentUpdates []ContentSubstatus,
	shadowRows []ContentUpdate,
) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(processingFields) > 0 {
		if err := updateProcessingTx(tx, processingID, processingFields); err != nil {
			return err
		}
	}
	if len(contentUpdates) > 0 {
		if err := updateSubstatusBatchTx(tx, contentUpdates); err != nil {
			return err
		}
	}
	if len(shadowRows) > 0 {
		if err := addContentUpdatesTx(tx, shadowRows); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// DeleteRequestCascade removes a request and everything it owns:
// transforms, processings, collections, contents and shadow rows.
// Messages are append-only and retained.
func (s *Store) DeleteRequestCascade(requestID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM contents_update WHERE request_id = ?`,
		`DELETE FROM contents_ext WHERE request_id = ?`,
		`DELETE FROM contents WHERE request_id = ?`,
		`DELETE FROM collections WHERE request_id = ?`,
		`DELETE FROM processings WHERE request_id = ?`,
		`DELETE FROM transforms WHERE request_id = ?`,
		`DELETE FROM requests WHERE request_id = ?`,
	} {
		if _, err := tx.Exec(stmt, requestID); err != nil {
			return fmt.Errorf("failed to cascade delete request: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
