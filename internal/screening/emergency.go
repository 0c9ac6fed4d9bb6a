package screening

import "regexp"

// emergencyMarkers flag text asserting urgency that must not skip human review
var emergencyMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bemergenc(y|ies)\b`),
	regexp.MustCompile(`(?i)\blife[-\s]safety\b`),
	regexp.MustCompile(`(?i)\bimminent\s+(danger|threat|harm|risk)\b`),
	regexp.MustCompile(`(?i)\bstate\s+of\s+(emergency|disaster)\b`),
	regexp.MustCompile(`(?i)\bimmediate(ly)?\s+(action|deployment|execution)\s+(is\s+)?required\b`),
	regexp.MustCompile(`(?i)\bwithout\s+(waiting\s+for\s+)?(review|approval)\b`),
}

// DetectEmergencyMarkers returns the distinct marker phrases found in text
func DetectEmergencyMarkers(text string) []string {
	var found []string
	seen := make(map[string]bool)
	for _, pattern := range emergencyMarkers {
		for _, m := range pattern.FindAllString(text, -1) {
			if !seen[m] {
				seen[m] = true
				found = append(found, m)
			}
		}
	}
	return found
}
