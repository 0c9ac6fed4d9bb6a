// Package archival parses municipal record names of the form
// DEPT-TYPE-YYYYMMDD-SEQ-vN.
package archival

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "20060102"

var (
	// ErrMissingName is returned when neither a name nor the separate fields are present
	ErrMissingName = errors.New("archival name is required")
	// ErrInvalidName is returned when the name or a field does not parse
	ErrInvalidName = errors.New("invalid archival name")
)

var (
	namePattern = regexp.MustCompile(`^([A-Z][A-Z0-9]{1,9})-([A-Z][A-Z0-9]{1,9})-([0-9]{8})-([0-9]{1,6})-[vV]([0-9]{1,4})$`)
	codePattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)
)

// Name is a parsed archival record name
type Name struct {
	Department string
	RecordType string
	Date       time.Time
	Sequence   int
	Version    int
}

// String renders the canonical form, e.g. CLERK-MIN-20240115-003-v2
func (n Name) String() string {
	return fmt.Sprintf("%s-%s-%s-%03d-v%d", n.Department, n.RecordType, n.Date.Format(dateLayout), n.Sequence, n.Version)
}

// Parse parses a full record name. Department and type codes are case-insensitive.
func Parse(s string) (Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Name{}, ErrMissingName
	}

	head, version, ok := cutVersion(s)
	if !ok {
		return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	m := namePattern.FindStringSubmatch(strings.ToUpper(head) + "-v" + version)
	if m == nil {
		return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return build(m[1], m[2], m[3], m[4], m[5])
}

// FromFields builds a name from separately supplied fields
func FromFields(department, recordType, date, sequence, version string) (Name, error) {
	fields := map[string]string{
		"department": department,
		"recordType": recordType,
		"date":       date,
		"sequence":   sequence,
		"version":    version,
	}
	var missing []string
	for _, key := range []string{"department", "recordType", "date", "sequence", "version"} {
		if strings.TrimSpace(fields[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 5 {
		return Name{}, ErrMissingName
	}
	if len(missing) > 0 {
		return Name{}, fmt.Errorf("%w: missing %s", ErrInvalidName, strings.Join(missing, ", "))
	}

	dept := strings.ToUpper(strings.TrimSpace(department))
	typ := strings.ToUpper(strings.TrimSpace(recordType))
	if !codePattern.MatchString(dept) || !codePattern.MatchString(typ) {
		return Name{}, fmt.Errorf("%w: bad department or record type code", ErrInvalidName)
	}
	return build(dept, typ, strings.TrimSpace(date), strings.TrimSpace(sequence), strings.TrimPrefix(strings.TrimSpace(strings.ToLower(version)), "v"))
}

func build(dept, typ, date, sequence, version string) (Name, error) {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return Name{}, fmt.Errorf("%w: bad date %q", ErrInvalidName, date)
	}
	seq, err := strconv.Atoi(sequence)
	if err != nil || seq < 1 || len(sequence) > 6 {
		return Name{}, fmt.Errorf("%w: bad sequence %q", ErrInvalidName, sequence)
	}
	ver, err := strconv.Atoi(version)
	if err != nil || ver < 1 || len(version) > 4 {
		return Name{}, fmt.Errorf("%w: bad version %q", ErrInvalidName, version)
	}
	return Name{Department: dept, RecordType: typ, Date: d, Sequence: seq, Version: ver}, nil
}

// cutVersion splits off the trailing -vN so the rest can be upper-cased
func cutVersion(s string) (string, string, bool) {
	i := strings.LastIndex(strings.ToLower(s), "-v")
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+2:], true
}
