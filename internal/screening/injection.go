package screening

import (
	"regexp"
)

// InjectionType classifies an injection attempt found in operator-supplied text
type InjectionType string

const (
	InjectionTypeInstructionOverride InjectionType = "instruction_override"
	InjectionTypeRoleManipulation    InjectionType = "role_manipulation"
	InjectionTypeGateBypass          InjectionType = "gate_bypass"
	InjectionTypeCodeExecution       InjectionType = "code_execution"
	InjectionTypeDelimiterAttack     InjectionType = "delimiter_attack"
	InjectionTypeEncodingAttack      InjectionType = "encoding_attack"
)

// BlockThreshold is the confidence at or above which an injection blocks the action
const BlockThreshold = 0.8

// InjectionDetection represents a detected injection attempt
type InjectionDetection struct {
	Type        InjectionType
	Pattern     string
	Confidence  float64
	StartPos    int
	EndPos      int
	Description string
}

type injectionRule struct {
	kind        InjectionType
	confidence  float64
	description string
	patterns    []*regexp.Regexp
}

var injectionRules = []injectionRule{
	{
		kind:        InjectionTypeInstructionOverride,
		confidence:  0.9,
		description: "Attempt to override gateway instructions",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|all|above|prior)\s+(instructions?|rules|policies|commands?)`),
			regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|all|above|any)\s+(instructions?|rules|policies|commands?)`),
			regexp.MustCompile(`(?i)override\s+(all|previous|system)\s+(instructions?|rules|settings?|policies)`),
			regexp.MustCompile(`(?i)forget\s+(everything|all\s+previous|what\s+you\s+(were\s+told|learned))`),
		},
	},
	{
		kind:        InjectionTypeRoleManipulation,
		confidence:  0.85,
		description: "Attempt to change the evaluator's role or identity",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
			regexp.MustCompile(`(?i)pretend\s+(to\s+)?be\s+(a|an|the)\b`),
			regexp.MustCompile(`(?i)act\s+as\s+(if\s+)?(you|you're|you\s+are)\b`),
			regexp.MustCompile(`(?i)from\s+now\s+on[,]?\s+(you|your)\s+(are|will)`),
		},
	},
	{
		kind:        InjectionTypeGateBypass,
		confidence:  0.9,
		description: "Attempt to skip governance checks",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(skip|bypass|disable)\s+(all\s+)?(governance|policy|permission|audit)\s+(checks?|gates?|review)`),
			regexp.MustCompile(`(?i)(mark|treat)\s+(this|the\s+request)\s+as\s+(approved|pre-?approved)`),
		},
	},
	{
		kind:        InjectionTypeCodeExecution,
		confidence:  0.95,
		description: "Attempt to execute code or exfiltrate data",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(execute|run)\s+(this|the\s+following)\s+(code|script|command)`),
			regexp.MustCompile(`(?i)\b(eval|exec|system)\(`),
			regexp.MustCompile(`\$\([^)]*\)`),
			regexp.MustCompile(`(?i)send\s+(data|information|content|credentials)\s+to\s+https?://`),
		},
	},
	{
		kind:        InjectionTypeDelimiterAttack,
		confidence:  0.8,
		description: "Attempt to inject control delimiters",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(\[SYSTEM\]|\[/SYSTEM\]|\[USER\]|\[/USER\]|\[ASSISTANT\]|\[/ASSISTANT\])`),
			regexp.MustCompile(`(<\|system\|>|<\|user\|>|<\|assistant\|>|<\|end\|>)`),
			regexp.MustCompile(`###\s*(SYSTEM|INSTRUCTION)`),
		},
	},
	{
		kind:        InjectionTypeEncodingAttack,
		confidence:  0.7,
		description: "Potential encoded payload detected",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)base64\s*[:\s=]\s*[A-Za-z0-9+/]{20,}={0,2}`),
			regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){10,}`),
		},
	},
}

// DetectInjections returns every injection pattern found in text
func DetectInjections(text string) []InjectionDetection {
	var detections []InjectionDetection

	for _, rule := range injectionRules {
		for _, pattern := range rule.patterns {
			for _, match := range pattern.FindAllStringIndex(text, -1) {
				detections = append(detections, InjectionDetection{
					Type:        rule.kind,
					Pattern:     pattern.String(),
					Confidence:  rule.confidence,
					StartPos:    match[0],
					EndPos:      match[1],
					Description: rule.description,
				})
			}
		}
	}

	return detections
}

// IsInjectionAttempt returns true if a blocking injection is detected
func IsInjectionAttempt(text string) bool {
	for _, d := range DetectInjections(text) {
		if d.Confidence >= BlockThreshold {
			return true
		}
	}
	return false
}
