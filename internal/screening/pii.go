package screening

import (
	"regexp"
	"strings"
)

// PIIType represents different types of PII that can be detected
type PIIType string

const (
	PIITypeEmail      PIIType = "email"
	PIITypePhone      PIIType = "phone"
	PIITypeSSN        PIIType = "ssn"
	PIITypeCreditCard PIIType = "credit_card"
	PIITypeIPAddress  PIIType = "ip_address"
)

// PIIDetection represents a detected PII instance
type PIIDetection struct {
	Type     PIIType
	Value    string
	StartPos int
	EndPos   int
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)

	// Separators are required so record numbers and dates are not reported.
	phonePattern = regexp.MustCompile(`(?:\+?1[-. ])?(?:\([0-9]{3}\)\s?|\b[0-9]{3}[-. ])[0-9]{3}[-. ][0-9]{4}\b`)

	ssnPattern = regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)

	creditCardPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b4[0-9]{12}(?:[0-9]{3})?\b`),     // Visa
		regexp.MustCompile(`\b5[1-5][0-9]{14}\b`),             // MasterCard
		regexp.MustCompile(`\b3[47][0-9]{13}\b`),              // American Express
		regexp.MustCompile(`\b6(?:011|5[0-9]{2})[0-9]{12}\b`), // Discover
	}

	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
)

// DetectPII returns true if the text likely contains PII
func DetectPII(text string) bool {
	return len(DetectAllPII(text)) > 0
}

// DetectAllPII returns all PII detections in the text
func DetectAllPII(text string) []PIIDetection {
	var detections []PIIDetection

	add := func(kind PIIType, pattern *regexp.Regexp, accept func(string) bool) {
		for _, match := range pattern.FindAllStringIndex(text, -1) {
			value := text[match[0]:match[1]]
			if accept != nil && !accept(value) {
				continue
			}
			detections = append(detections, PIIDetection{
				Type:     kind,
				Value:    value,
				StartPos: match[0],
				EndPos:   match[1],
			})
		}
	}

	add(PIITypeEmail, emailPattern, nil)
	add(PIITypePhone, phonePattern, nil)
	add(PIITypeSSN, ssnPattern, looksLikeSSN)
	for _, pattern := range creditCardPatterns {
		add(PIITypeCreditCard, pattern, luhnCheck)
	}
	add(PIITypeIPAddress, ipv4Pattern, nil)

	return detections
}

// looksLikeSSN rejects area, group and serial numbers that are never issued
func looksLikeSSN(s string) bool {
	digits := strings.ReplaceAll(s, "-", "")
	if len(digits) != 9 {
		return false
	}
	area, group, serial := digits[0:3], digits[3:5], digits[5:9]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

func luhnCheck(cardNumber string) bool {
	sum := 0
	double := false
	for i := len(cardNumber) - 1; i >= 0; i-- {
		c := cardNumber[i]
		if c < '0' || c > '9' {
			return false
		}
		digit := int(c - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}
