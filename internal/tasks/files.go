package tasks

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

const maxLineSize = 1024 * 1024 // 1MB

// FindFiles expands doublestar patterns into regular files. Relative
// patterns are resolved against root, the node's file root.
func FindFiles(root string, patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) && root != "" {
			pattern = filepath.Join(root, pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() && !slices.Contains(files, name) {
				files = append(files, name)
			}
		}
	}
	return files, nil
}

// eachLine calls fn for every line of the file, stopping early when ctx
// is done.
func eachLine(ctx context.Context, path string, fn func(number int, text string)) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for i := 1; scanner.Scan(); i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		fn(i, scanner.Text())
	}
	return scanner.Err()
}
