package dump

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	_ "github.com/mattn/go-sqlite3"

	"github.com/weiihann/kernelbench/state"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists dumps in a SQLite database. Field data is stored as
// little-endian float64 blobs so values round-trip bit for bit.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a dump database at path. Use ":memory:" for a
// throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open dump database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect dump database: %w", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply dump schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, runID string, slot int, snap *state.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("put slot %d: nil snapshot", slot)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put slot %d: begin: %w", slot, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"dump_fields", "dump_params", "dumps"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE run_id = ? AND slot = ?`, runID, slot,
		); err != nil {
			return fmt.Errorf("put slot %d: clear %s: %w", slot, table, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dumps (run_id, slot, seq, step, time)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM dumps), ?, ?)
	`, runID, slot, snap.Step(), floatBits(snap.Time())); err != nil {
		return fmt.Errorf("put slot %d: insert dump: %w", slot, err)
	}

	for i := 0; i < snap.NumFields(); i++ {
		f := snap.Field(i)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dump_fields (run_id, slot, ord, name, nx, ny, nz, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, slot, i, f.Name, f.Nx, f.Ny, f.Nz, encodeFloats(f.Data)); err != nil {
			return fmt.Errorf("put slot %d: field %q: %w", slot, f.Name, err)
		}
	}

	for name, value := range snap.Params() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dump_params (run_id, slot, name, value) VALUES (?, ?, ?, ?)
		`, runID, slot, name, floatBits(value)); err != nil {
			return fmt.Errorf("put slot %d: param %q: %w", slot, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put slot %d: commit: %w", slot, err)
	}

	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, runID string, slot int) (*state.Snapshot, error) {
	var step, t int64

	err := s.db.QueryRowContext(ctx,
		`SELECT step, time FROM dumps WHERE run_id = ? AND slot = ?`, runID, slot,
	).Scan(&step, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s slot %d: %w", runID, slot, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot %d: %w", slot, err)
	}

	fields, err := s.loadFields(ctx, runID, slot)
	if err != nil {
		return nil, err
	}

	params, err := s.loadParams(ctx, runID, slot)
	if err != nil {
		return nil, err
	}

	return state.NewSnapshot(step, bitsFloat(t), params, fields), nil
}

func (s *SQLiteStore) loadFields(ctx context.Context, runID string, slot int) ([]*state.Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, nx, ny, nz, data FROM dump_fields
		WHERE run_id = ? AND slot = ? ORDER BY ord
	`, runID, slot)
	if err != nil {
		return nil, fmt.Errorf("get slot %d fields: %w", slot, err)
	}
	defer rows.Close()

	var fields []*state.Field

	for rows.Next() {
		var (
			f    state.Field
			blob []byte
		)

		if err := rows.Scan(&f.Name, &f.Nx, &f.Ny, &f.Nz, &blob); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}

		f.Data, err = decodeFloats(blob)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}

		if len(f.Data) != f.Len() {
			return nil, fmt.Errorf("field %q: %d values for shape %dx%dx%d",
				f.Name, len(f.Data), f.Nx, f.Ny, f.Nz)
		}

		fields = append(fields, &f)
	}

	return fields, rows.Err()
}

func (s *SQLiteStore) loadParams(ctx context.Context, runID string, slot int) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM dump_params WHERE run_id = ? AND slot = ?`, runID, slot)
	if err != nil {
		return nil, fmt.Errorf("get slot %d params: %w", slot, err)
	}
	defer rows.Close()

	params := make(map[string]float64)

	for rows.Next() {
		var (
			name string
			bits int64
		)

		if err := rows.Scan(&name, &bits); err != nil {
			return nil, fmt.Errorf("scan param: %w", err)
		}

		params[name] = bitsFloat(bits)
	}

	return params, rows.Err()
}

func (s *SQLiteStore) Latest(ctx context.Context, runID string, n int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot FROM (
			SELECT slot, seq FROM dumps WHERE run_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq
	`, runID, max(n, 0))
	if err != nil {
		return nil, fmt.Errorf("latest dumps: %w", err)
	}
	defer rows.Close()

	var slots []int

	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}

		slots = append(slots, slot)
	}

	return slots, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	for _, table := range []string{"dump_fields", "dump_params", "dumps"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete run %s: %w", runID, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}

func encodeFloats(data []float64) []byte {
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}

	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 8", len(buf))
	}

	data := make([]float64, len(buf)/8)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}

	return data, nil
}

func floatBits(v float64) int64 { return int64(math.Float64bits(v)) }

func bitsFloat(b int64) float64 { return math.Float64frombits(uint64(b)) }
