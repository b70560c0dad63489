package service

import (
	"regexp"
	"strings"
)

type termVariants struct {
	key      string
	variants []string
	pattern  *regexp.Regexp
}

func newTermVariants(key string, variants ...string) termVariants {
	return termVariants{key: key, variants: variants, pattern: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(key))}
}

// militaryTerms 是有序的缩写/同义词表，顺序决定扩展结果的顺序。
var militaryTerms = []termVariants{
	newTermVariants("MDMP", "Military Decision Making Process", "military decision making process", "MDMP"),
	newTermVariants("S6", "G6", "Signal Officer", "S6", "communications"),
	newTermVariants("planning", "plan", "planning process", "planning procedures", "planning steps"),
	newTermVariants("process", "procedure", "methodology", "approach", "steps"),
}

var planningQuestions = []string{
	"What are the steps in the planning process?",
	"How does the planning process work?",
	"What is the planning methodology?",
	"What are the planning procedures?",
}

// ExpandQuery 返回原始查询及其改写，原始查询总在第一位，结果按首次出现去重。
func ExpandQuery(query string) []string {
	expanded := []string{query}
	lower := strings.ToLower(query)

	for _, token := range strings.Split(lower, " ") {
		for _, term := range militaryTerms {
			if !strings.Contains(token, strings.ToLower(term.key)) {
				continue
			}
			for _, v := range term.variants {
				expanded = append(expanded, term.pattern.ReplaceAllLiteralString(query, v))
			}
		}
	}

	if strings.Contains(lower, "planning") {
		expanded = append(expanded, planningQuestions...)
	}
	return dedupStrings(expanded)
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
