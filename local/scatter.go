package local

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/archipelago-go/archipelago/internal/future"
	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/tasks"
)

// Submitter queues jobs. *scheduler.Scheduler satisfies it.
type Submitter interface {
	Submit(task string, args any, opts ...job.Option) (*future.Future, error)
}

// Partition splits files round-robin into at most parts non-empty groups.
func Partition(files []string, parts int) [][]string {
	if len(files) == 0 {
		return nil
	}
	parts = max(min(parts, len(files)), 1)
	groups := make([][]string, parts)
	for i, file := range files {
		groups[i%parts] = append(groups[i%parts], file)
	}
	return groups
}

// Scatter submits one job per group and waits for all of them. Results
// come back in group order. The first failure cancels the jobs still
// pending.
func Scatter(ctx context.Context, s Submitter, task string, groups [][]string, argsFor func(files []string) any) ([]json.RawMessage, error) {
	futures := make([]*future.Future, 0, len(groups))
	cancelAll := func() {
		for _, f := range futures {
			f.Cancel(true)
		}
	}

	for _, files := range groups {
		f, err := s.Submit(task, argsFor(files))
		if err != nil {
			cancelAll()
			return nil, fmt.Errorf("failed to submit %s job: %w", task, err)
		}
		futures = append(futures, f)
	}

	results := make([]json.RawMessage, len(futures))
	for i, f := range futures {
		raw, err := f.Wait(ctx)
		if err != nil {
			cancelAll()
			return nil, err
		}
		results[i] = raw
	}
	return results, nil
}

// globMeta are the characters doublestar treats as pattern syntax.
var globMeta = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `{`, `\{`, `}`, `\}`)

// literalPatterns turns file paths into patterns matching exactly them.
func literalPatterns(files []string) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = globMeta.Replace(f)
	}
	return out
}

// WordCount counts words across files with parts wordcount jobs and
// merges their counts.
func WordCount(ctx context.Context, s Submitter, files []string, parts int, caseSensitive bool) (map[string]int, error) {
	results, err := Scatter(ctx, s, "wordcount", Partition(files, parts), func(group []string) any {
		return tasks.WordCountArgs{Patterns: literalPatterns(group), CaseSensitive: caseSensitive}
	})
	if err != nil {
		return nil, err
	}

	total := make(map[string]int)
	for _, raw := range results {
		var counts map[string]int
		if err := job.Decode(raw, &counts); err != nil {
			return nil, err
		}
		for word, n := range counts {
			total[word] += n
		}
	}
	return total, nil
}

// Grep searches files with parts grep jobs. Matches are sorted by file
// and line.
func Grep(ctx context.Context, s Submitter, files []string, parts int, pattern string, caseInsensitive bool) ([]tasks.Match, error) {
	results, err := Scatter(ctx, s, "grep", Partition(files, parts), func(group []string) any {
		return tasks.GrepArgs{Pattern: pattern, Patterns: literalPatterns(group), CaseInsensitive: caseInsensitive}
	})
	if err != nil {
		return nil, err
	}

	var all []tasks.Match
	for _, raw := range results {
		var matches []tasks.Match
		if err := job.Decode(raw, &matches); err != nil {
			return nil, err
		}
		all = append(all, matches...)
	}
	slices.SortFunc(all, func(a, b tasks.Match) int {
		return cmp.Or(cmp.Compare(a.File, b.File), cmp.Compare(a.Line, b.Line))
	})
	return all, nil
}

// WriteCounts writes "word\tcount" lines, most frequent first. A positive
// top limits the output to that many words.
func WriteCounts(w io.Writer, counts map[string]int, top int) error {
	words := slices.SortedFunc(maps.Keys(counts), func(a, b string) int {
		return cmp.Or(cmp.Compare(counts[b], counts[a]), cmp.Compare(a, b))
	})
	if top > 0 && top < len(words) {
		words = words[:top]
	}

	bw := bufio.NewWriter(w)
	for _, word := range words {
		if _, err := fmt.Fprintf(bw, "%s\t%d\n", word, counts[word]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func WriteMatches(w io.Writer, matches []tasks.Match) error {
	bw := bufio.NewWriter(w)
	for _, m := range matches {
		if _, err := fmt.Fprintf(bw, "%s:%d:%s\n", m.File, m.Line, m.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}
