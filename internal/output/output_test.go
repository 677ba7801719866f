package output

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/library"
)

func testResult() *align.Result {
	return &align.Result{
		Runs:      []string{"A", "B"},
		Reference: "A",
		Groups: []align.Group{
			{
				ID: 0, Mz: 200.1, RT: 100, FullyAligned: true, Confidence: 1,
				Members: map[string]feature.Feature{
					"A": {Mz: 200.1, RT: 100, Intensity: 1000, Charge: 1, Isotopes: 1},
					"B": {Mz: 200.1001, RT: 101, Intensity: 900, Charge: 1, Isotopes: 1},
				},
			},
			{
				ID: 1, Mz: 300.2, RT: 200, Confidence: 0.5,
				Members: map[string]feature.Feature{
					"A": {Mz: 300.2, RT: 200, Intensity: 500, Charge: 1, Isotopes: 1},
				},
			},
		},
	}
}

func testAnnotations() []library.Annotation {
	return []library.Annotation{
		{GroupID: 0, Compound: library.Compound{ID: "MONA1", Name: "D-Glucose", Formula: "C6H12O6"},
			Similarity: 0.9},
		{GroupID: 0, Compound: library.Compound{ID: "MONA9", Name: "Weaker", Formula: "C6H12O6"},
			Similarity: 0.3},
	}
}

func TestWriteAligned(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAligned(&buf, testResult(), testAnnotations()))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)

	header := strings.Split(lines[0], "\t")
	assert.Contains(t, header, "A_intensity")
	assert.Contains(t, header, "B_mz")
	assert.Contains(t, header, "compound")

	// Group 0: both runs present, best annotation wins
	assert.Contains(t, lines[1], "D-Glucose")
	assert.NotContains(t, lines[1], "Weaker")

	// Group 1: run B absent, no annotation
	fields := strings.Split(lines[2], "\t")
	assert.Contains(t, fields, "NA")
	assert.Equal(t, "NA", fields[len(fields)-1])
}

func TestWriteAlignedNoAnnotations(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAligned(&buf, testResult(), nil))
	header := strings.Split(strings.SplitN(buf.String(), "\n", 2)[0], "\t")
	assert.NotContains(t, header, "compound")
}

func TestWriteAlignedFile(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteAlignedFile(dir, "IROA", testResult(), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "align_IROA.feature"), path)
}

func TestWriteDatabaseMatches(t *testing.T) {
	var buf bytes.Buffer
	matches := []library.DatabaseMatch{{
		GroupID: 0, Identifier: "HMDB0000122", Formula: "C6H12O6",
		Name: "D-Glucose", Score: 0.87,
	}}
	require.NoError(t, WriteDatabaseMatches(&buf, matches))
	assert.Contains(t, buf.String(), "HMDB0000122")
	assert.Contains(t, buf.String(), "0.8700")
}

func TestSQLiteWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "align.db")
	w, err := NewSQLiteWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteResult(testResult(), testAnnotations()))
	require.NoError(t, w.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var groups, members, anns int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM groups`).Scan(&groups))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM members`).Scan(&members))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM annotations`).Scan(&anns))
	assert.Equal(t, 2, groups)
	assert.Equal(t, 3, members)
	assert.Equal(t, 2, anns)

	var name string
	require.NoError(t, db.QueryRow(
		`SELECT name FROM annotations WHERE similarity > 0.5`).Scan(&name))
	assert.Equal(t, "D-Glucose", name)
}
