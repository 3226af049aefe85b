package model

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid resolution configuration. It is
// always raised before any record is processed.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "configuration error: " + e.Problems[0]
	}
	return fmt.Sprintf("configuration error: %d problems: %v", len(e.Problems), e.Problems)
}

// IsConfigurationError returns true if err or any error in its chain is a
// ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// DataError describes a record that could not supply an attribute. Data
// errors never abort a run; the attribute is treated as null.
type DataError struct {
	RecordID string `json:"record_id"`
	Attr     string `json:"attribute,omitempty"`
	Reason   string `json:"reason"`
}

func (e *DataError) Error() string {
	if e.Attr == "" {
		return fmt.Sprintf("data error: record %s: %s", e.RecordID, e.Reason)
	}
	return fmt.Sprintf("data error: record %s attribute %s: %s", e.RecordID, e.Attr, e.Reason)
}

// ConflictError records a forced split that merge evidence contradicted.
// The split is honored and the contradicting merge edge is dropped.
type ConflictError struct {
	A      string `json:"a"`
	B      string `json:"b"`
	EdgeA  string `json:"edge_a"`
	EdgeB  string `json:"edge_b"`
	Reason string `json:"reason"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: split %s/%s contradicts merge %s/%s: %s", e.A, e.B, e.EdgeA, e.EdgeB, e.Reason)
}

// IsConflict returns true if err or any error in its chain is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ConvergenceWarning is returned when EM training stopped at the iteration
// cap without meeting the tolerance. The last iterate is still usable.
type ConvergenceWarning struct {
	Iterations int     `json:"iterations"`
	Delta      float64 `json:"delta"`
}

func (e *ConvergenceWarning) Error() string {
	return fmt.Sprintf("training did not converge after %d iterations (last delta %.3g)", e.Iterations, e.Delta)
}

// IsConvergenceWarning returns true if err or any error in its chain is a
// ConvergenceWarning.
func IsConvergenceWarning(err error) bool {
	var cw *ConvergenceWarning
	return errors.As(err, &cw)
}
