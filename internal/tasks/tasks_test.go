package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archipelago-go/archipelago/internal/job"
)

// fileTree creates
//
//	root/
//	  a.txt
//	  b.txt
//	  logs/
//	    c.log
//	    deep/d.txt
//	  link.txt -> a.txt
func fileTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write := func(rel, body string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("a.txt", "The quick brown fox\njumps over the lazy dog\n")
	write("b.txt", "the end. THE END!\n")
	write("logs/c.log", "error: disk full\ninfo: ok\nERROR: again\n")
	write("logs/deep/d.txt", "fox\n")
	require.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")))
	return root
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestFindFiles(t *testing.T) {
	root := fileTree(t)

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{
			name:     "relative to root",
			patterns: []string{"*.txt"},
			want:     []string{"a.txt", "b.txt"},
		},
		{
			name:     "recursive",
			patterns: []string{"**/*.txt"},
			want:     []string{"a.txt", "b.txt", "logs/deep/d.txt"},
		},
		{
			name:     "overlapping patterns are deduplicated",
			patterns: []string{"a.txt", "*.txt"},
			want:     []string{"a.txt", "b.txt"},
		},
		{
			name:     "absolute pattern ignores root",
			patterns: []string{filepath.Join(root, "logs", "*.log")},
			want:     []string{"logs/c.log"},
		},
		{
			name:     "no matches",
			patterns: []string{"*.csv"},
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindFiles(root, tt.patterns)
			require.NoError(t, err)

			var want []string
			for _, rel := range tt.want {
				want = append(want, filepath.Join(root, rel))
			}
			assert.ElementsMatch(t, want, got)
		})
	}
}

func TestFindFiles_InvalidPattern(t *testing.T) {
	_, err := FindFiles(t.TempDir(), []string{"[unclosed"})
	require.Error(t, err)
}

func TestWordCount(t *testing.T) {
	root := fileTree(t)
	env := job.Env{FileRoot: root}

	out, err := WordCount(context.Background(), env, marshal(t, WordCountArgs{Patterns: []string{"*.txt"}}))
	require.NoError(t, err)

	counts := out.(map[string]int)
	assert.Equal(t, 4, counts["the"])
	assert.Equal(t, 2, counts["end"])
	assert.Equal(t, 1, counts["fox"])
	assert.NotContains(t, counts, "end.")
}

func TestWordCount_CaseSensitive(t *testing.T) {
	root := fileTree(t)
	env := job.Env{FileRoot: root}

	out, err := WordCount(context.Background(), env, marshal(t, WordCountArgs{Patterns: []string{"b.txt"}, CaseSensitive: true}))
	require.NoError(t, err)

	counts := out.(map[string]int)
	assert.Equal(t, map[string]int{"the": 1, "end": 1, "THE": 1, "END": 1}, counts)
}

func TestWordCount_InvalidArgs(t *testing.T) {
	_, err := WordCount(context.Background(), job.Env{}, json.RawMessage(`{}`))
	require.Error(t, err)

	_, err = WordCount(context.Background(), job.Env{}, json.RawMessage(`[1]`))
	require.Error(t, err)
}

func TestGrep(t *testing.T) {
	root := fileTree(t)
	env := job.Env{FileRoot: root}

	tests := []struct {
		name string
		args GrepArgs
		want []Match
	}{
		{
			name: "case sensitive by default",
			args: GrepArgs{Pattern: "^error", Patterns: []string{"logs/*.log"}},
			want: []Match{
				{File: filepath.Join(root, "logs", "c.log"), Line: 1, Text: "error: disk full"},
			},
		},
		{
			name: "case insensitive",
			args: GrepArgs{Pattern: "^error", Patterns: []string{"logs/*.log"}, CaseInsensitive: true},
			want: []Match{
				{File: filepath.Join(root, "logs", "c.log"), Line: 1, Text: "error: disk full"},
				{File: filepath.Join(root, "logs", "c.log"), Line: 3, Text: "ERROR: again"},
			},
		},
		{
			name: "no matches",
			args: GrepArgs{Pattern: "zebra", Patterns: []string{"**/*"}},
			want: []Match{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Grep(context.Background(), env, marshal(t, tt.args))
			require.NoError(t, err)
			require.Equal(t, tt.want, out)
		})
	}
}

func TestGrep_InvalidPattern(t *testing.T) {
	_, err := Grep(context.Background(), job.Env{}, marshal(t, GrepArgs{Pattern: "(", Patterns: []string{"*"}}))
	require.ErrorContains(t, err, "invalid regex pattern")

	_, err = Grep(context.Background(), job.Env{}, marshal(t, GrepArgs{Patterns: []string{"*"}}))
	require.ErrorContains(t, err, "pattern must be specified")
}

func TestSleep(t *testing.T) {
	out, err := Sleep(context.Background(), job.Env{}, marshal(t, SleepArgs{Duration: "5ms"}))
	require.NoError(t, err)
	require.Equal(t, "5ms", out)
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Sleep(ctx, job.Env{}, marshal(t, SleepArgs{Duration: "1m"}))
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

func TestEcho(t *testing.T) {
	out, err := Echo(context.Background(), job.Env{}, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out.(json.RawMessage)))

	out, err = Echo(context.Background(), job.Env{}, nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestRegisterAll_ThroughJob(t *testing.T) {
	r := job.NewRegistry()
	require.NoError(t, RegisterAll(r))
	require.Equal(t, []string{"echo", "grep", "sleep", "whoami", "wordcount"}, r.List())

	j, err := job.New("whoami", nil)
	require.NoError(t, err)
	j.Execute(context.Background(), job.Env{NodeID: 9, User: "fiji"}, r)

	var env job.Env
	require.NoError(t, j.Decode(&env))
	require.Equal(t, job.Env{NodeID: 9, User: "fiji"}, env)

	require.Error(t, RegisterAll(r), "second registration must collide")
}

func TestDefaultRegistryHasBuiltins(t *testing.T) {
	for name := range builtins {
		_, err := job.Default.Get(name)
		require.NoError(t, err, name)
	}
}
