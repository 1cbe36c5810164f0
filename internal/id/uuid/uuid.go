// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	runPrefix       = "run_"
	applicantPrefix = "user_"
	applicantHexLen = 8
)

// Generator creates run and applicant identifiers from random UUIDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewRunID returns "run_" followed by the 32 hex digits of a v4 UUID.
func (Generator) NewRunID() (string, error) {
	hex, err := randomHex()
	if err != nil {
		return "", err
	}
	return runPrefix + hex, nil
}

// NewApplicantID returns "user_" followed by 8 hex digits.
func (Generator) NewApplicantID() (string, error) {
	hex, err := randomHex()
	if err != nil {
		return "", err
	}
	return applicantPrefix + hex[:applicantHexLen], nil
}

func randomHex() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}
