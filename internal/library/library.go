// Package library annotates consolidated MS2 spectra against a
// spectral library database and drives the MetFrag file interface.
package library

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/consolidate"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/params"
)

// ErrNoLibrary is returned when the configured library database is
// missing or unreadable
var ErrNoLibrary = errors.New("library: database not available")

// RT window for library RT matching, seconds. Library retention times
// come from different gradients; this is deliberately wide.
const rtMatchTol = 60.0

// DB is an open spectral library database with the MoNA derived
// schema: a "library" table of compounds and an "ms2" table of their
// reference spectra.
type DB struct {
	db       *sql.DB
	byMass   *sql.Stmt
	ms2Query *sql.Stmt
}

// Compound is one library entry
type Compound struct {
	ID       string
	Name     string
	Formula  string
	Mass     float64 // neutral monoisotopic mass
	InChIKey string
	SMILES   string
	RT       float64 // seconds; <0 when the library has none
	Charge   int
}

// Annotation links a feature group to a library compound
type Annotation struct {
	GroupID    int
	Compound   Compound
	Adduct     string  // "" for the plain (de)protonated form
	DeltaPPM   float64 // mass error of the match
	Similarity float64 // MS2 cosine similarity, 0 when no library MS2
}

// Open opens a spectral library database
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoLibrary, err)
	}
	d := &DB{db: db}
	d.byMass, err = db.Prepare(`
		SELECT id, name, formula, mass, inchikey, smiles, rt, charge
		FROM library WHERE mass BETWEEN ? AND ?`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoLibrary, err)
	}
	d.ms2Query, err = db.Prepare(`SELECT mz, intensity FROM ms2 WHERE id = ? ORDER BY mz`)
	if err != nil {
		d.byMass.Close()
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoLibrary, err)
	}
	return d, nil
}

// Close releases the database
func (d *DB) Close() error {
	d.byMass.Close()
	d.ms2Query.Close()
	return d.db.Close()
}

// CompoundsByMass returns the compounds whose neutral mass lies
// within the given window
func (d *DB) CompoundsByMass(lo, hi float64) ([]Compound, error) {
	rows, err := d.byMass.Query(lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Compound
	for rows.Next() {
		var c Compound
		var rt sql.NullFloat64
		var inchikey, smiles sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Formula, &c.Mass,
			&inchikey, &smiles, &rt, &c.Charge); err != nil {
			return nil, err
		}
		c.InChIKey = inchikey.String
		c.SMILES = smiles.String
		if rt.Valid {
			c.RT = rt.Float64
		} else {
			c.RT = -1
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MS2 returns the reference spectrum of a compound, or nil when the
// library carries none
func (d *DB) MS2(id string) ([]feature.Peak, error) {
	rows, err := d.ms2Query.Query(id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peaks []feature.Peak
	for rows.Next() {
		var p feature.Peak
		if err := rows.Scan(&p.Mz, &p.Intens); err != nil {
			return nil, err
		}
		peaks = append(peaks, p)
	}
	return peaks, rows.Err()
}

// Search annotates consolidated spectra against the library. For
// each spectrum the neutral mass is derived from its precursor under
// the plain (de)protonated form and under every configured adduct,
// and compounds within library_mass_tolerance ppm are scored by MS2
// cosine similarity. Failures on an individual spectrum leave it
// unannotated and do not abort the search.
func Search(d *DB, spectra []consolidate.Consolidated, groups []align.Group,
	p *params.Params) []Annotation {

	charges := make(map[int]int, len(groups))
	for _, g := range groups {
		z := 1
		for _, f := range g.Members {
			if f.Isotopes > 1 {
				z = f.Charge
				break
			}
		}
		charges[g.ID] = z
	}

	var out []Annotation
	for _, s := range spectra {
		z := charges[s.GroupID]
		if z < 1 {
			z = 1
		}
		for _, hyp := range massHypotheses(s.PrecursorMz, z, p) {
			tol := feature.Tol(hyp.mass, p.LibraryMassTol)
			cands, err := d.CompoundsByMass(hyp.mass-tol, hyp.mass+tol)
			if err != nil {
				continue
			}
			for _, c := range cands {
				if p.LibraryRTAlignment && c.RT >= 0 &&
					math.Abs(c.RT-s.RT) > rtMatchTol {
					continue
				}
				ann := Annotation{
					GroupID:  s.GroupID,
					Compound: c,
					Adduct:   hyp.adduct,
					DeltaPPM: feature.PPM(hyp.mass, c.Mass),
				}
				if ref, err := d.MS2(c.ID); err == nil && len(ref) > 0 {
					ann.Similarity = Similarity(s.Peaks, ref,
						p.MassTolMS2Peaks, p.NumPeaksMS2Similarity)
				}
				out = append(out, ann)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].Similarity > out[j].Similarity
	})
	return out
}

type massHypothesis struct {
	adduct string
	mass   float64
}

// massHypotheses lists the neutral masses a precursor may correspond
// to: the (de)protonated form plus one entry per configured adduct.
func massHypotheses(precursorMz float64, z int, p *params.Params) []massHypothesis {
	var ion float64
	if p.Mode == params.ModeNegative {
		ion = float64(z)*precursorMz + float64(z)*feature.MassProton
	} else {
		ion = float64(z)*precursorMz - float64(z)*feature.MassProton
	}
	out := []massHypothesis{{adduct: "", mass: ion}}

	names := make([]string, 0, len(p.Adducts))
	for name := range p.Adducts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, massHypothesis{adduct: name, mass: ion - p.Adducts[name]})
	}
	return out
}

// Similarity computes the cosine similarity of two spectra over
// their top n peaks, pairing peaks within tol ppm. Intensities enter
// square rooted to soften the dominance of base peaks.
func Similarity(a, b []feature.Peak, tol float64, n int) float64 {
	a = strongest(a, n)
	b = strongest(b, n)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	dot := 0.0
	usedB := make([]bool, len(b))
	for _, pa := range a {
		best := -1
		bestDiff := math.Inf(1)
		for i, pb := range b {
			if usedB[i] {
				continue
			}
			diff := math.Abs(feature.PPM(pb.Mz, pa.Mz))
			if diff <= tol && diff < bestDiff {
				best = i
				bestDiff = diff
			}
		}
		if best >= 0 {
			usedB[best] = true
			dot += math.Sqrt(pa.Intens) * math.Sqrt(b[best].Intens)
		}
	}

	normA := 0.0
	for _, p := range a {
		normA += p.Intens
	}
	normB := 0.0
	for _, p := range b {
		normB += p.Intens
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / math.Sqrt(normA*normB)
}

func strongest(peaks []feature.Peak, n int) []feature.Peak {
	if n <= 0 || len(peaks) <= n {
		return peaks
	}
	s := append([]feature.Peak(nil), peaks...)
	sort.Slice(s, func(i, j int) bool { return s[i].Intens > s[j].Intens })
	return s[:n]
}
