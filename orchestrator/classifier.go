package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrClassification means the task intent could not be recognized even by
// the LLM fallback. The orchestrator degrades such tasks to generic browsing.
var ErrClassification = errors.New("unrecognized task intent")

// TaskClass selects which capability pipeline a task runs through.
type TaskClass string

const (
	ClassBrowsing       TaskClass = "browsing"
	ClassCodeGeneration TaskClass = "code_generation"
	ClassCodeExecution  TaskClass = "code_execution"
	ClassSpecialized    TaskClass = "specialized_handler"
)

// Classification pairs the class with the specialized-handler category
// (travel, finance, recipes, reviews) when one applies.
type Classification struct {
	Class    TaskClass
	Category string
}

// categoryRules drive the cheap, deterministic first pass. Rule order
// matters: execution beats generation beats specialized beats browsing, so
// "write and run a script scraping flight prices" lands in code_execution,
// and "reviews of Boston hotels" resolves to travel, the earlier category.
var categoryRules = []struct {
	category string
	words    []string
}{
	{"travel", []string{"flight", "flights", "airfare", "hotel", "hotels", "itinerary", "trip to", "travel to"}},
	{"finance", []string{"stock", "stocks", "share price", "exchange rate", "crypto", "bitcoin", "market cap", "dividend"}},
	{"recipes", []string{"recipe", "recipes", "ingredients", "how to cook", "how to bake"}},
	{"reviews", []string{"review", "reviews", "rating", "ratings", "is it worth", "pros and cons"}},
}

var runVerbs = []string{"run", "execute", "run it", "and run"}
var codeNouns = []string{"code", "script", "program", "function", "snippet"}
var writeVerbs = []string{"write", "generate", "create", "implement", "build"}
var browseVerbs = []string{"search", "browse", "look up", "lookup", "find", "visit", "open", "scrape", "summarize"}

// Classify is the pure rule-based first pass. The second return value is
// false when no rule matched and the caller should fall back to the LLM.
func Classify(description string) (Classification, bool) {
	desc := strings.ToLower(strings.TrimSpace(description))
	if desc == "" {
		return Classification{}, false
	}

	mentionsCode := containsAny(desc, codeNouns)
	if mentionsCode && containsAny(desc, writeVerbs) && containsAny(desc, runVerbs) {
		return Classification{Class: ClassCodeExecution}, true
	}
	if mentionsCode && containsAny(desc, writeVerbs) {
		return Classification{Class: ClassCodeGeneration}, true
	}

	for _, rule := range categoryRules {
		if containsAny(desc, rule.words) {
			return Classification{Class: ClassSpecialized, Category: rule.category}, true
		}
	}

	if strings.Contains(desc, "http://") || strings.Contains(desc, "https://") ||
		strings.Contains(desc, "website") || strings.Contains(desc, ".com") ||
		containsAny(desc, browseVerbs) {
		return Classification{Class: ClassBrowsing}, true
	}

	return Classification{}, false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// classifyLLM asks the model when no rule matched. Any failure or
// unparseable answer degrades to generic browsing rather than failing the
// task, wrapped in ErrClassification so callers can log the degradation.
func classifyLLM(ctx context.Context, llm Chatter, description string) (Classification, error) {
	prompt := fmt.Sprintf(`Classify the following task into exactly one label from this list:
travel, finance, recipes, reviews, browsing, code_generation, code_execution

Task: %s

Respond with only the label, nothing else.`, strings.TrimSpace(description))

	answer, err := llm.Chat(ctx, prompt)
	if err != nil {
		return Classification{Class: ClassBrowsing}, fmt.Errorf("%w: %v", ErrClassification, err)
	}

	switch label := strings.ToLower(strings.TrimSpace(answer)); label {
	case "travel", "finance", "recipes", "reviews":
		return Classification{Class: ClassSpecialized, Category: label}, nil
	case "browsing":
		return Classification{Class: ClassBrowsing}, nil
	case "code_generation":
		return Classification{Class: ClassCodeGeneration}, nil
	case "code_execution":
		return Classification{Class: ClassCodeExecution}, nil
	default:
		return Classification{Class: ClassBrowsing}, fmt.Errorf("%w: unparseable label %q", ErrClassification, answer)
	}
}
