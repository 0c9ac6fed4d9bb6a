// Package screening scans operator-supplied evidence text before a governed
// action is planned. Injection attempts above BlockThreshold reject the action;
// emergency markers and PII are advisory.
package screening

import (
	"fmt"
	"sort"
)

// Report is the outcome of screening one piece of evidence text
type Report struct {
	Injections       []InjectionDetection
	EmergencyMarkers []string
	PII              []PIIDetection
}

// Screen runs every detector over text
func Screen(text string) Report {
	if text == "" {
		return Report{}
	}
	return Report{
		Injections:       DetectInjections(text),
		EmergencyMarkers: DetectEmergencyMarkers(text),
		PII:              DetectAllPII(text),
	}
}

// Blocking returns the highest-confidence injection at or above BlockThreshold
func (r Report) Blocking() (InjectionDetection, bool) {
	var best InjectionDetection
	found := false
	for _, d := range r.Injections {
		if d.Confidence >= BlockThreshold && (!found || d.Confidence > best.Confidence) {
			best = d
			found = true
		}
	}
	return best, found
}

// EmergencyClaimed reports whether the text asserts an emergency
func (r Report) EmergencyClaimed() bool {
	return len(r.EmergencyMarkers) > 0
}

// PIITypes returns the distinct PII types found, sorted
func (r Report) PIITypes() []PIIType {
	seen := make(map[PIIType]bool)
	var types []PIIType
	for _, d := range r.PII {
		if !seen[d.Type] {
			seen[d.Type] = true
			types = append(types, d.Type)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Findings summarizes the report as stable labels for the audit evidence bundle.
// Matched values are never included.
func (r Report) Findings() []string {
	var findings []string
	seen := make(map[string]bool)
	add := func(label string) {
		if !seen[label] {
			seen[label] = true
			findings = append(findings, label)
		}
	}

	for _, d := range r.Injections {
		add(fmt.Sprintf("injection:%s", d.Type))
	}
	if r.EmergencyClaimed() {
		add("emergency_marker")
	}
	for _, t := range r.PIITypes() {
		add(fmt.Sprintf("pii:%s", t))
	}
	sort.Strings(findings)
	return findings
}
