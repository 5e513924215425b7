//go:build mage

package main

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// skippedDirs are never walked for source.
var skippedDirs = map[string]bool{
	".git":      true,
	"vendor":    true,
	"_examples": true,
	"magefiles": true,
	binaryDir:   true,
}

type tally struct {
	ProdLines int `json:"go_loc_prod"`
	TestLines int `json:"go_loc_test"`
	Lines     int `json:"go_loc"`
	DocWords  int `json:"doc_wc"`
}

// Stats prints Go lines of code and documentation word counts as one JSON
// object.
func Stats() error {
	var t tally
	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return nil
		case d.IsDir():
			if skippedDirs[path] {
				return filepath.SkipDir
			}
			return nil
		case filepath.Ext(path) != ".go":
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		n := lineCount(data)
		if strings.HasSuffix(path, "_test.go") {
			t.TestLines += n
		} else {
			t.ProdLines += n
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.Lines = t.ProdLines + t.TestLines

	docs, _ := filepath.Glob("*.md")
	for _, path := range docs {
		if data, err := os.ReadFile(path); err == nil {
			t.DocWords += len(bytes.Fields(data))
		}
	}
	return json.NewEncoder(os.Stdout).Encode(t)
}

// lineCount counts a trailing line without a newline as a line.
func lineCount(data []byte) int {
	n := bytes.Count(data, []byte{'\n'})
	if len(data) > 0 && data[len(data)-1] != '\n' {
		n++
	}
	return n
}
