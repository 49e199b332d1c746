package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/archipelago-go/archipelago/internal/job"
)

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}]+`)

type WordCountArgs struct {
	Patterns      []string `json:"patterns"`
	CaseSensitive bool     `json:"case_sensitive,omitempty"`
}

// WordCount counts occurrences of each word in the files matched by the
// patterns.
func WordCount(ctx context.Context, env job.Env, raw json.RawMessage) (any, error) {
	var args WordCountArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid wordcount args: %w", err)
	}
	if len(args.Patterns) == 0 {
		return nil, fmt.Errorf("at least one file pattern must be specified")
	}

	files, err := FindFiles(env.FileRoot, args.Patterns)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, file := range files {
		err := eachLine(ctx, file, func(_ int, line string) {
			for word := range strings.FieldsSeq(line) {
				// Keep alphanumeric UTF-8 characters
				word = strings.TrimSpace(nonWord.ReplaceAllString(word, ""))
				if word == "" {
					continue
				}
				if !args.CaseSensitive {
					word = strings.ToLower(word)
				}
				counts[word]++
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
	}
	return counts, nil
}
