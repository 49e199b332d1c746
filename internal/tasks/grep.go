package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/archipelago-go/archipelago/internal/job"
)

type GrepArgs struct {
	Pattern         string   `json:"pattern"`
	Patterns        []string `json:"patterns"`
	CaseInsensitive bool     `json:"case_insensitive,omitempty"`
}

type Match struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Grep returns the lines matching a regular expression in the files
// matched by the patterns.
func Grep(ctx context.Context, env job.Env, raw json.RawMessage) (any, error) {
	var args GrepArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid grep args: %w", err)
	}
	if args.Pattern == "" {
		return nil, fmt.Errorf("pattern must be specified")
	}

	expr := args.Pattern
	if args.CaseInsensitive {
		expr = "(?i)" + expr
	}
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}

	files, err := FindFiles(env.FileRoot, args.Patterns)
	if err != nil {
		return nil, err
	}

	matches := []Match{}
	for _, file := range files {
		err := eachLine(ctx, file, func(number int, line string) {
			if pattern.MatchString(line) {
				matches = append(matches, Match{File: file, Line: number, Text: strings.TrimSpace(line)})
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
	}
	return matches, nil
}
