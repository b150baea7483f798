package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const keywordSystem = "You extract core keywords from titles and abstracts of academic papers. Respond in English."

const keywordPrompt = `Extract 5 to 8 keywords that represent the core content of the paper below.
Avoid terms that are too broad or too specific. Answer with JSON only, in the form
{"keywords": ["keyword1", "keyword2"]}.

Title: %s

Abstract: %s`

// Keywords asks the model for the keywords of a paper. Keywords are
// trimmed and lowercased.
func Keywords(ctx context.Context, c Completer, title, abstract string) ([]string, error) {
	var resp struct {
		Keywords []string `json:"keywords"`
	}
	if err := CompleteJSON(ctx, c, keywordSystem, fmt.Sprintf(keywordPrompt, title, abstract), &resp); err != nil {
		return nil, err
	}
	var result []string
	for _, kw := range resp.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			result = append(result, kw)
		}
	}
	return result, nil
}

// WordCount is a word with a weight.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Tally counts keywords over many papers, most frequent first, ties broken
// alphabetically.
func Tally(lists ...[]string) []WordCount {
	counts := make(map[string]int)
	for _, l := range lists {
		for _, w := range l {
			counts[w]++
		}
	}
	result := make([]WordCount, 0, len(counts))
	for w, n := range counts {
		result = append(result, WordCount{Word: w, Count: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Word < result[j].Word
	})
	return result
}
