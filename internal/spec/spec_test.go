package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile/internal/model"
)

const customerYAML = `
entity: customer
identity_version: v1
attribute_types:
  age: number
sources:
  - name: crm
    primary_key: id
    attributes: {email: Email, first_name: First}
  - name: billing
    primary_key: account_id
blocking:
  max_group_size: 100
  keys:
    - fields: [email]
    - name: name
      fields: [last_name, first_name]
rules:
  - name: email_exact
    type: exact
    field: email
    weight: 1.0
    mismatch_penalty: -0.5
  - name: first_fuzzy
    type: similarity
    field: first_name
    algorithm: jaro_winkler
    threshold: 0.9
    weight: 0.3
decision:
  thresholds: {match: 0.8, review: 0.3}
  overrides:
    - {a: "crm:1", b: "billing:2", action: force_split}
survivorship:
  default:
    strategy: source_priority
    source_priority: [crm, billing]
  rules:
    - {field: tags, strategy: aggregate}
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(customerYAML))
	require.NoError(t, err)

	assert.Equal(t, "customer", s.Entity)
	assert.Len(t, s.Sources, 2)
	assert.Equal(t, "Email", s.Sources[0].Attributes["email"])
	assert.Equal(t, "email", s.Blocking.Keys[0].Name, "default key name from fields")
	assert.Equal(t, "name", s.Blocking.Keys[1].Name)
	assert.Equal(t, ModeWeightedSum, s.ScoringMode())
	assert.Equal(t, 1.0, s.Rules[0].WeightOr(0))
	assert.Equal(t, -0.5, s.Rules[0].MismatchPenalty)
	assert.Equal(t, 0.9, s.Rules[1].ThresholdOr(0))
	assert.Equal(t, model.ForceSplit, s.Decision.Overrides[0].Action)
	assert.True(t, s.IsNumeric("age"))
	assert.False(t, s.IsNumeric("email"))

	assert.Equal(t, DefaultMaxIterations, s.Training.MaxIterations)
	assert.Equal(t, DefaultTolerance, s.Training.Tolerance)
	assert.Equal(t, UEstimationEM, s.Training.UEstimation)

	src, ok := s.Source("billing")
	require.True(t, ok)
	assert.Equal(t, "account_id", src.PrimaryKey)
	_, ok = s.Source("nope")
	assert.False(t, ok)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "customer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(customerYAML), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "customer", s.Entity)
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := LoadFile("/nonexistent/spec.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spec: read")
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("rules: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spec: parse yaml")
}

func TestScoringMode_Inferred(t *testing.T) {
	s := &Spec{Rules: []Rule{{Name: "e", Type: RuleProbabilistic, Field: "email"}}}
	assert.Equal(t, ModeFellegiSunter, s.ScoringMode())

	s.Decision.Scoring = ModeWeightedSum
	assert.Equal(t, ModeWeightedSum, s.ScoringMode())
}

func validSpec() *Spec {
	s := &Spec{
		Sources: []Source{{Name: "crm"}, {Name: "app"}},
		Rules:   []Rule{{Name: "email", Type: RuleExact, Field: "email"}},
		Decision: Decision{
			Thresholds: Thresholds{Match: 1, Review: 0.5},
		},
	}
	ApplyDefaults(s)
	return s
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, Validate(validSpec()))
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Spec)
		want   string
	}{
		{"thresholds inverted", func(s *Spec) { s.Decision.Thresholds = Thresholds{Match: 0.2, Review: 0.5} }, "must be >= review"},
		{"no rules", func(s *Spec) { s.Rules = nil }, "at least one rule"},
		{"unknown rule type", func(s *Spec) { s.Rules[0].Type = "magic" }, "unknown rule type"},
		{"unknown algorithm", func(s *Spec) {
			s.Rules[0] = Rule{Name: "x", Type: RuleSimilarity, Field: "a", Algorithm: "nope"}
		}, "unknown algorithm"},
		{"duplicate rule", func(s *Spec) { s.Rules = append(s.Rules, s.Rules[0]) }, "duplicate rule name"},
		{"missing field", func(s *Spec) { s.Rules[0].Field = "" }, "field is required"},
		{"threshold range", func(s *Spec) {
			th := 1.5
			s.Rules[0] = Rule{Name: "x", Type: RuleSimilarity, Field: "a", Algorithm: "jaro", Threshold: &th}
		}, "threshold must be in [0,1]"},
		{"empty composite", func(s *Spec) {
			s.Rules[0] = Rule{Name: "c", Type: RuleComposite, Operator: OpAnd}
		}, "composite requires children"},
		{"bad operator", func(s *Spec) {
			s.Rules[0] = Rule{Name: "c", Type: RuleComposite, Operator: "xor", Children: []Rule{{Name: "e", Type: RuleExact, Field: "a"}}}
		}, "unknown operator"},
		{"probabilistic in weighted sum", func(s *Spec) {
			s.Decision.Scoring = ModeWeightedSum
			s.Rules[0].Type = RuleProbabilistic
		}, "requires fellegi_sunter"},
		{"bad m vector", func(s *Spec) {
			s.Rules[0] = Rule{Name: "p", Type: RuleProbabilistic, Field: "a", MProbabilities: []float64{0.9, 0.05, 0.05}}
		}, "expected 2 values"},
		{"levels ascending", func(s *Spec) {
			s.Rules[0] = Rule{Name: "p", Type: RuleProbabilistic, Field: "a", Algorithm: "jaro_winkler", Levels: []float64{0.8, 0.9}}
		}, "strictly descending"},
		{"haversine distance", func(s *Spec) {
			s.Rules[0] = Rule{Name: "g", Type: RuleSimilarity, Fields: []string{"lat", "lon"}, Algorithm: "haversine"}
		}, "max_distance_km"},
		{"probabilistic haversine distance", func(s *Spec) {
			s.Rules[0] = Rule{Name: "g", Type: RuleProbabilistic, Fields: []string{"lat", "lon"}, Algorithm: "haversine", Levels: []float64{0.9}}
		}, "haversine requires max_distance_km"},
		{"probabilistic haversine fields", func(s *Spec) {
			s.Rules[0] = Rule{Name: "g", Type: RuleProbabilistic, Fields: []string{"lat", "lon", "alt"}, Algorithm: "haversine", MaxDistanceKM: 5}
		}, "two [lat, lon] fields"},
		{"probabilistic numeric tolerance", func(s *Spec) {
			s.Rules[0] = Rule{Name: "n", Type: RuleProbabilistic, Field: "age", Algorithm: "numeric", Levels: []float64{0.5}}
		}, "numeric similarity requires tolerance"},
		{"probabilistic unknown algorithm", func(s *Spec) {
			s.Rules[0] = Rule{Name: "p", Type: RuleProbabilistic, Field: "a", Algorithm: "nope"}
		}, "unknown algorithm"},
		{"unknown strategy", func(s *Spec) { s.Survivorship.Default.Strategy = "best" }, "unknown strategy"},
		{"most_recent without timestamp", func(s *Spec) {
			s.Survivorship.Rules = []FieldRule{{Field: "phone", Strategy: StrategyMostRecent}}
		}, "timestamp_field"},
		{"custom without function", func(s *Spec) {
			s.Survivorship.Rules = []FieldRule{{Field: "phone", Strategy: StrategyCustom}}
		}, "requires function"},
		{"bad override", func(s *Spec) {
			s.Decision.Overrides = []model.Override{{A: "x", B: "x", Action: model.ForceMerge}}
		}, "paired with itself"},
		{"unknown action", func(s *Spec) {
			s.Decision.Overrides = []model.Override{{A: "x", B: "y", Action: "maybe"}}
		}, "unknown action"},
		{"unknown u estimation", func(s *Spec) { s.Training.UEstimation = "guess" }, "u_estimation"},
		{"duplicate source", func(s *Spec) { s.Sources = append(s.Sources, Source{Name: "crm"}) }, "duplicate source"},
		{"bad attribute type", func(s *Spec) { s.AttributeTypes = map[string]string{"age": "int"} }, "unknown type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mutate(s)
			err := Validate(s)
			require.Error(t, err)
			assert.True(t, model.IsConfigurationError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ProbabilisticGeoOK(t *testing.T) {
	s := validSpec()
	s.Rules = []Rule{
		{Name: "g", Type: RuleProbabilistic, Fields: []string{"lat", "lon"}, Algorithm: "haversine", MaxDistanceKM: 5, Levels: []float64{0.9, 0.5}},
		{Name: "n", Type: RuleProbabilistic, Field: "age", Algorithm: "numeric", Tolerance: 2, Levels: []float64{0.5}},
	}
	assert.NoError(t, Validate(s))
}

func TestValidate_CollectsAll(t *testing.T) {
	s := validSpec()
	s.Rules = nil
	s.Decision.Thresholds = Thresholds{Match: 0, Review: 1}

	err := Validate(s)
	var ce *model.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Problems, 2)
}

func TestValidateOverrides(t *testing.T) {
	assert.NoError(t, ValidateOverrides([]model.Override{{A: "a", B: "b", Action: model.ForceMerge}}))
	err := ValidateOverrides([]model.Override{{A: "a", Action: model.ForceSplit}})
	require.Error(t, err)
	assert.True(t, model.IsConfigurationError(err))
}

func TestHash_Stable(t *testing.T) {
	a, err := Parse([]byte(customerYAML))
	require.NoError(t, err)
	b, err := Parse([]byte(customerYAML))
	require.NoError(t, err)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Contains(t, ha, "sha256:")

	b.Decision.Thresholds.Match = 0.95
	hc, err := Hash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}
