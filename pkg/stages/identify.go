package stages

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// Compound is one reference-table entry: a known metabolite with its
// monoisotopic mass.
type Compound struct {
	Name      string
	Formula   string
	ExactMass float64
}

// Adduct is a mass shift applied during ionization. Matching adds the
// shift to the neutral exact mass before comparing against observed m/z.
type Adduct struct {
	Name  string
	Shift float64
}

// Common ionization adducts.
var adductTable = map[string]Adduct{
	"[M+H]+":  {Name: "[M+H]+", Shift: 1.007276},
	"[M-H]-":  {Name: "[M-H]-", Shift: -1.007276},
	"[M+Na]+": {Name: "[M+Na]+", Shift: 22.989218},
	"M":       {Name: "M", Shift: 0},
}

// builtinCompounds is the built-in metabolite reference table.
var builtinCompounds = []Compound{
	{Name: "Glucose", Formula: "C6H12O6", ExactMass: 180.0634},
	{Name: "Fructose", Formula: "C6H12O6", ExactMass: 180.0634},
	{Name: "Citric acid", Formula: "C6H8O7", ExactMass: 192.0270},
	{Name: "Lactic acid", Formula: "C3H6O3", ExactMass: 90.0317},
	{Name: "Pyruvic acid", Formula: "C3H4O3", ExactMass: 88.0160},
	{Name: "Alanine", Formula: "C3H7NO2", ExactMass: 89.0477},
	{Name: "Glycine", Formula: "C2H5NO2", ExactMass: 75.0320},
	{Name: "Serine", Formula: "C3H7NO3", ExactMass: 105.0426},
	{Name: "Leucine", Formula: "C6H13NO2", ExactMass: 131.0946},
	{Name: "Phenylalanine", Formula: "C9H11NO2", ExactMass: 165.0790},
	{Name: "Tryptophan", Formula: "C11H12N2O2", ExactMass: 204.0899},
	{Name: "Glutamine", Formula: "C5H10N2O3", ExactMass: 146.0691},
	{Name: "Glutamic acid", Formula: "C5H9NO4", ExactMass: 147.0532},
	{Name: "Succinic acid", Formula: "C4H6O4", ExactMass: 118.0266},
	{Name: "Malic acid", Formula: "C4H6O5", ExactMass: 134.0215},
	{Name: "Fumaric acid", Formula: "C4H4O4", ExactMass: 116.0110},
	{Name: "Creatinine", Formula: "C4H7N3O", ExactMass: 113.0589},
	{Name: "Uric acid", Formula: "C5H4N4O3", ExactMass: 168.0283},
	{Name: "Caffeine", Formula: "C8H10N4O2", ExactMass: 194.0804},
	{Name: "Cholesterol", Formula: "C27H46O", ExactMass: 386.3549},
}

// IdentificationParams configures compound matching.
type IdentificationParams struct {
	Database      string
	MassTolerance float64 // Da
	Adducts       []string
}

// DefaultIdentificationParams returns the documented defaults.
func DefaultIdentificationParams() IdentificationParams {
	return IdentificationParams{
		Database:      "builtin",
		MassTolerance: 0.01,
		Adducts:       []string{"M", "[M+H]+"},
	}
}

func identificationParams(params map[string]interface{}) IdentificationParams {
	def := DefaultIdentificationParams()
	p := IdentificationParams{
		Database:      paramString(params, "database", def.Database),
		MassTolerance: paramFloat(params, "mass_tolerance", def.MassTolerance),
		Adducts:       def.Adducts,
	}
	if raw, ok := params["adducts"]; ok {
		switch v := raw.(type) {
		case []string:
			p.Adducts = v
		case []interface{}:
			var names []string
			for _, item := range v {
				if s, ok := item.(string); ok {
					names = append(names, s)
				}
			}
			if len(names) > 0 {
				p.Adducts = names
			}
		case string:
			p.Adducts = strings.Split(v, ",")
		}
	}
	return p
}

// Identification matches the current peak list against the compound
// reference table within a mass tolerance. Every match within tolerance
// is recorded; a peak may match multiple compounds.
type Identification struct{}

func (Identification) Type() StepType { return StepIdentification }

func (Identification) Run(ctx context.Context, docs []*model.SampleDocument, params map[string]interface{}) (*Output, error) {
	p := identificationParams(params)
	if p.MassTolerance <= 0 {
		return nil, errors.New(errors.CodeInvalidParameter, "mass_tolerance must be positive").
			WithContext("mass_tolerance", p.MassTolerance)
	}

	adducts := make([]Adduct, 0, len(p.Adducts))
	for _, name := range p.Adducts {
		if a, ok := adductTable[strings.TrimSpace(name)]; ok {
			adducts = append(adducts, a)
		}
	}
	if len(adducts) == 0 {
		adducts = []Adduct{adductTable["M"]}
	}

	out := cloneDocs(docs)
	total := 0
	for _, d := range out {
		matches := []model.CompoundMatch{}
		for _, pk := range d.CurrentPeaks() {
			for _, c := range builtinCompounds {
				for _, a := range adducts {
					delta := pk.Mz - (c.ExactMass + a.Shift)
					if math.Abs(delta) > p.MassTolerance {
						continue
					}
					score := 1 - math.Abs(delta)/p.MassTolerance
					if score < 0 {
						score = 0
					}
					if score > 1 {
						score = 1
					}
					matches = append(matches, model.CompoundMatch{
						PeakMz:    pk.Mz,
						Name:      c.Name,
						Formula:   c.Formula,
						ExactMass: c.ExactMass,
						Adduct:    a.Name,
						MassError: delta,
						Score:     score,
					})
				}
			}
		}
		d.IdentifiedCompounds = matches
		total += len(matches)
	}

	return &Output{
		Documents: out,
		Message:   fmt.Sprintf("Identified %d compound matches", total),
		Counts:    map[string]int{CountCompoundsIdentified: total},
	}, nil
}
