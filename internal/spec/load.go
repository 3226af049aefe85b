package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Training defaults.
const (
	DefaultMaxIterations  = 25
	DefaultTolerance      = 1e-4
	DefaultPriorMatchRate = 0.01
	DefaultSamplePairs    = 10000
)

// LoadFile reads, parses and validates a YAML spec file.
func LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "spec: read %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML into a Spec, applies defaults and validates it.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "spec: parse yaml")
	}
	ApplyDefaults(&s)
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ApplyDefaults fills unset training knobs, blocking key names and the
// default survivorship strategy.
func ApplyDefaults(s *Spec) {
	if s.Training.MaxIterations <= 0 {
		s.Training.MaxIterations = DefaultMaxIterations
	}
	if s.Training.Tolerance <= 0 {
		s.Training.Tolerance = DefaultTolerance
	}
	if s.Training.PriorMatchRate <= 0 {
		s.Training.PriorMatchRate = DefaultPriorMatchRate
	}
	if s.Training.UEstimation == "" {
		s.Training.UEstimation = UEstimationEM
	}
	if s.Training.SamplePairs <= 0 {
		s.Training.SamplePairs = DefaultSamplePairs
	}
	for i := range s.Blocking.Keys {
		if s.Blocking.Keys[i].Name == "" {
			s.Blocking.Keys[i].Name = strings.Join(s.Blocking.Keys[i].Fields, "+")
		}
	}
	if s.Survivorship.Default.Strategy == "" {
		s.Survivorship.Default.Strategy = StrategySourcePriority
	}
	if len(s.Survivorship.Default.SourcePriority) == 0 {
		for _, src := range s.Sources {
			s.Survivorship.Default.SourcePriority = append(s.Survivorship.Default.SourcePriority, src.Name)
		}
	}
}

// Hash returns a content hash of the spec, stable across key order in the
// source YAML.
func Hash(s *Spec) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", eris.Wrap(err, "spec: hash")
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
