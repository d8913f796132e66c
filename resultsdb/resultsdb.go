// Package resultsdb stores differential expression and enrichment tables
// in a SQLite database, one row per gene or term and contrast.
package resultsdb

import (
	"context"
	"database/sql"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/de"
	"github.com/grailbio/scrna/enrich"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS de_results (
	contrast TEXT NOT NULL,
	gene TEXT NOT NULL,
	base_mean REAL,
	log2_fold_change REAL,
	lfc_se REAL,
	stat REAL,
	pvalue REAL,
	padj REAL,
	log2_fold_change_shrunk REAL,
	PRIMARY KEY (contrast, gene)
)`, `
CREATE TABLE IF NOT EXISTS go_enrichment (
	contrast TEXT NOT NULL,
	term TEXT NOT NULL,
	description TEXT,
	gene_ratio TEXT,
	bg_ratio TEXT,
	pvalue REAL,
	padjust REAL,
	qvalue REAL,
	genes TEXT,
	count INTEGER,
	PRIMARY KEY (contrast, term)
)`}

// DB is an open results database.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.E(err, "open sqlite", path)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.E(err, "create tables", path)
		}
	}
	return &DB{db: db, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

func nullable(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// WriteDE replaces the rows of contrast in de_results with rs.
func (d *DB) WriteDE(ctx context.Context, contrast string, rs []de.Result) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(err, "begin", d.path)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM de_results WHERE contrast = ?`, contrast); err != nil {
		return errors.E(err, "delete", d.path)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO de_results VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.E(err, "prepare", d.path)
	}
	defer stmt.Close() // nolint: errcheck
	for _, r := range rs {
		if _, err = stmt.ExecContext(ctx, contrast, r.Gene, nullable(r.BaseMean), nullable(r.Log2FC),
			nullable(r.LfcSE), nullable(r.Stat), nullable(r.PValue), nullable(r.PAdj), nullable(r.Shrunk)); err != nil {
			return errors.E(err, "insert", r.Gene)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.E(err, "commit", d.path)
	}
	log.Debug.Printf("resultsdb: %d de rows for %s", len(rs), contrast)
	return nil
}

// WriteEnrichment replaces the rows of contrast in go_enrichment with
// terms.
func (d *DB) WriteEnrichment(ctx context.Context, contrast string, terms []enrich.Result) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(err, "begin", d.path)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM go_enrichment WHERE contrast = ?`, contrast); err != nil {
		return errors.E(err, "delete", d.path)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO go_enrichment VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.E(err, "prepare", d.path)
	}
	defer stmt.Close() // nolint: errcheck
	for _, t := range terms {
		if _, err = stmt.ExecContext(ctx, contrast, t.ID, t.Description, t.GeneRatio, t.BgRatio,
			nullable(t.PValue), nullable(t.PAdjust), nullable(t.QValue), t.Genes, t.Count); err != nil {
			return errors.E(err, "insert", t.ID)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.E(err, "commit", d.path)
	}
	return nil
}

// SignificantGenes returns the genes of contrast with padj below padj and
// |shrunken log2 fold change| (raw when not shrunk) above absLFC, ordered by
// padj then gene.
func (d *DB) SignificantGenes(ctx context.Context, contrast string, padj, absLFC float64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT gene FROM de_results
		WHERE contrast = ? AND padj < ?
		  AND abs(coalesce(log2_fold_change_shrunk, log2_fold_change)) > ?
		ORDER BY padj, gene`, contrast, padj, absLFC)
	if err != nil {
		return nil, errors.E(err, "query", d.path)
	}
	defer func() { _ = rows.Close() }()
	var genes []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, errors.E(err, "scan", d.path)
		}
		genes = append(genes, g)
	}
	return genes, rows.Err()
}

// Terms returns the term ids of contrast by increasing p-value.
func (d *DB) Terms(ctx context.Context, contrast string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT term FROM go_enrichment WHERE contrast = ? ORDER BY pvalue, term`, contrast)
	if err != nil {
		return nil, errors.E(err, "query", d.path)
	}
	defer func() { _ = rows.Close() }()
	var terms []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.E(err, "scan", d.path)
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}
