// Package testdef parses and validates the JSON test-definition files
// the queue uploads to the device. Validation happens before a file is
// queued; the file itself is uploaded byte for byte, so parsing here is
// only for checks, summaries, and impact analysis.
package testdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileSize is the upload limit for a single definition file.
const MaxFileSize = 1 << 20 // 1MB

var (
	ErrEmptyFile = errors.New("definition file is empty")
	ErrTooLarge  = errors.New("definition file exceeds 1MB limit")
	ErrNotJSON   = errors.New("definition file must have a .json extension")
)

// Case is one test case inside a definition. The device interprets the
// full document; this view carries only the fields validation and
// impact analysis need.
type Case struct {
	Service string         `json:"service"`
	Action  string         `json:"action,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Document is a parsed test-definition file.
type Document struct {
	TestCases []Case `json:"test_cases"`
}

// CaseCount returns the number of test cases in the document.
func (d *Document) CaseCount() int { return len(d.TestCases) }

// Summary renders "service(count), ..." in first-appearance order,
// for log lines.
func (d *Document) Summary() string {
	counts := make(map[string]int)
	var order []string
	for _, c := range d.TestCases {
		svc := c.Service
		if svc == "" {
			svc = "unknown"
		}
		if _, seen := counts[svc]; !seen {
			order = append(order, svc)
		}
		counts[svc]++
	}
	parts := make([]string, 0, len(order))
	for _, svc := range order {
		parts = append(parts, fmt.Sprintf("%s(%d)", svc, counts[svc]))
	}
	return strings.Join(parts, ", ")
}

// Parse validates raw definition bytes against the schema plus the
// semantic checks the schema cannot express, and returns the parsed
// document.
func Parse(raw []byte) (*Document, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding test_cases: %w", err)
	}
	for i, c := range doc.TestCases {
		if strings.TrimSpace(c.Service) == "" {
			return nil, fmt.Errorf("test case #%d: 'service' must be a non-empty string", i)
		}
	}
	return &doc, nil
}

// ValidateFile checks a definition file on disk (extension, size, then
// content via Parse) and returns the parsed document.
func ValidateFile(path string) (*Document, error) {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return nil, fmt.Errorf("%s: %w", path, ErrNotJSON)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
