package output

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/library"
)

// SQLiteWriter exports an alignment result to a SQLite database
type SQLiteWriter struct {
	db         *sql.DB
	groupStmt  *sql.Stmt
	memberStmt *sql.Stmt
	annStmt    *sql.Stmt
}

// NewSQLiteWriter opens (or creates) the database and prepares the
// schema
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	w := &SQLiteWriter{db: db}
	if err := w.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	if err := w.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLiteWriter) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS groups (
		id INTEGER PRIMARY KEY,
		mz REAL,
		rt REAL,
		runs INTEGER,
		fully_aligned BOOL,
		confidence REAL
	);

	CREATE TABLE IF NOT EXISTS members (
		group_id INTEGER REFERENCES groups(id),
		run TEXT,
		mz REAL,
		rt REAL,
		intensity REAL,
		charge INTEGER,
		isotopes INTEGER
	);

	CREATE TABLE IF NOT EXISTS annotations (
		group_id INTEGER REFERENCES groups(id),
		compound_id TEXT,
		name TEXT,
		formula TEXT,
		inchikey TEXT,
		adduct TEXT,
		delta_ppm REAL,
		similarity REAL
	);
	`
	if _, err := w.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (w *SQLiteWriter) prepareStatements() error {
	var err error
	w.groupStmt, err = w.db.Prepare(`
		INSERT INTO groups (id, mz, rt, runs, fully_aligned, confidence)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare group statement: %w", err)
	}
	w.memberStmt, err = w.db.Prepare(`
		INSERT INTO members (group_id, run, mz, rt, intensity, charge, isotopes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare member statement: %w", err)
	}
	w.annStmt, err = w.db.Prepare(`
		INSERT INTO annotations (group_id, compound_id, name, formula, inchikey, adduct, delta_ppm, similarity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare annotation statement: %w", err)
	}
	return nil
}

// WriteResult stores every group with its members and annotations
func (w *SQLiteWriter) WriteResult(res *align.Result, anns []library.Annotation) error {
	for _, g := range res.Groups {
		_, err := w.groupStmt.Exec(g.ID, g.Mz, g.RT, len(g.Members), g.FullyAligned, g.Confidence)
		if err != nil {
			return fmt.Errorf("failed to insert group %d: %w", g.ID, err)
		}
		for _, run := range res.Runs {
			f, ok := g.Members[run]
			if !ok {
				continue
			}
			_, err := w.memberStmt.Exec(g.ID, run, f.Mz, f.RT, f.Intensity, f.Charge, f.Isotopes)
			if err != nil {
				return fmt.Errorf("failed to insert member of group %d: %w", g.ID, err)
			}
		}
	}
	for _, a := range anns {
		_, err := w.annStmt.Exec(a.GroupID, a.Compound.ID, a.Compound.Name,
			a.Compound.Formula, a.Compound.InChIKey, a.Adduct, a.DeltaPPM, a.Similarity)
		if err != nil {
			return fmt.Errorf("failed to insert annotation: %w", err)
		}
	}
	return nil
}

// Close closes the prepared statements and the database
func (w *SQLiteWriter) Close() error {
	if w.groupStmt != nil {
		w.groupStmt.Close()
	}
	if w.memberStmt != nil {
		w.memberStmt.Close()
	}
	if w.annStmt != nil {
		w.annStmt.Close()
	}
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
