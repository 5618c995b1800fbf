package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/golang/glog"

	"github.com/drawbridge/collab/collab"
)

// OperationLog is the durable append-only log, one ordered sequence
// per document, stored in sqlite. A snapshot per document is
// materialized on every append so snapshot reads never replay the log.
type OperationLog struct {
	db *sql.DB

	stateLock sync.Mutex
	// document id -> reducer over the full log
	reducers map[string]*collab.SceneReducer
}

func OpenOperationLog(path string) (*OperationLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite handles one writer at a time
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			document_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			operation TEXT NOT NULL,
			PRIMARY KEY (document_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			document_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			elements TEXT NOT NULL
		)`,
	}
	for _, statement := range schema {
		if _, err := db.Exec(statement); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &OperationLog{
		db:       db,
		reducers: map[string]*collab.SceneReducer{},
	}, nil
}

// reducer returns the document's reducer, replaying the log on first
// use after a cold start
func (self *OperationLog) reducer(ctx context.Context, documentId string) (*collab.SceneReducer, error) {
	if reducer, ok := self.reducers[documentId]; ok {
		return reducer, nil
	}

	reducer := collab.NewSceneReducer()
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT operation FROM operations WHERE document_id = ? ORDER BY seq`,
		documentId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var operationJson string
		if err := rows.Scan(&operationJson); err != nil {
			return nil, err
		}
		operation := &collab.Operation{}
		if err := json.Unmarshal([]byte(operationJson), operation); err != nil {
			glog.Infof("[r]log skip bad operation = %s\n", err)
			continue
		}
		reducer.Apply(operation)
		count += 1
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if 0 < count {
		glog.V(1).Infof("[r]replayed %d operations for %s\n", count, documentId)
	}

	self.reducers[documentId] = reducer
	return reducer, nil
}

// Append stores the operation and refreshes the materialized snapshot.
// Returns the assigned sequence number.
func (self *OperationLog) Append(ctx context.Context, documentId string, operation *collab.Operation) (int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	reducer, err := self.reducer(ctx, documentId)
	if err != nil {
		return 0, err
	}

	operationJson, err := json.Marshal(operation)
	if err != nil {
		return 0, err
	}

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	row := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM operations WHERE document_id = ?`,
		documentId,
	)
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO operations (document_id, seq, operation) VALUES (?, ?, ?)`,
		documentId,
		seq,
		string(operationJson),
	); err != nil {
		return 0, err
	}

	reducer.Apply(operation)
	elementsJson, err := json.Marshal(collab.EncodeElements(reducer.Elements()))
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO snapshots (document_id, seq, elements) VALUES (?, ?, ?)
			ON CONFLICT (document_id) DO UPDATE SET seq = excluded.seq, elements = excluded.elements`,
		documentId,
		seq,
		string(elementsJson),
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// Snapshot returns the materialized transport elements for the
// document. An unknown document is an empty snapshot.
func (self *OperationLog) Snapshot(ctx context.Context, documentId string) ([]collab.TransportElement, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var elementsJson string
	row := self.db.QueryRowContext(
		ctx,
		`SELECT elements FROM snapshots WHERE document_id = ?`,
		documentId,
	)
	if err := row.Scan(&elementsJson); err != nil {
		if err == sql.ErrNoRows {
			return []collab.TransportElement{}, nil
		}
		return nil, err
	}

	transportElements := []collab.TransportElement{}
	if err := json.Unmarshal([]byte(elementsJson), &transportElements); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	return transportElements, nil
}

// OperationCount reports the log length for the document
func (self *OperationLog) OperationCount(ctx context.Context, documentId string) (int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var count int64
	row := self.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM operations WHERE document_id = ?`,
		documentId,
	)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Operations returns the log in sequence order, for tail replay
// diagnostics
func (self *OperationLog) Operations(ctx context.Context, documentId string) ([]*collab.Operation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rows, err := self.db.QueryContext(
		ctx,
		`SELECT operation FROM operations WHERE document_id = ? ORDER BY seq`,
		documentId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	operations := []*collab.Operation{}
	for rows.Next() {
		var operationJson string
		if err := rows.Scan(&operationJson); err != nil {
			return nil, err
		}
		operation := &collab.Operation{}
		if err := json.Unmarshal([]byte(operationJson), operation); err != nil {
			continue
		}
		operations = append(operations, operation)
	}
	return operations, rows.Err()
}

func (self *OperationLog) Close() error {
	return self.db.Close()
}
