// Package persist implements append-friendly state persistence for the
// semantic cache and the meta-control phase counter (spec §6 FULL): both
// are written as newline-delimited JSON, read with github.com/tidwall/gjson
// and appended to with github.com/tidwall/sjson, so a crash mid-write
// leaves a truncated-but-parseable tail. A corrupt trailing line is
// discarded on load and the component restarts cold rather than failing.
package persist

import (
	"bufio"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store is an append-only NDJSON log at path.
type Store struct {
	path string
}

// Open returns a Store bound to path. The file is created on first Append
// if it does not exist.
func Open(path string) *Store {
	return &Store{path: path}
}

// Load replays every well-formed line in the store, invoking fn for each, in
// write order. Equivalent to the package-level Load bound to s.path.
func (s *Store) Load(fn func(line gjson.Result)) error {
	return Load(s.path, fn)
}

// Append writes one JSON-encodable record as a new line, building the JSON
// via sjson field-by-field to avoid importing encoding/json in this leaf
// package.
func (s *Store) Append(fields map[string]any) error {
	line := ""
	var err error
	for k, v := range fields {
		line, err = sjson.Set(line, k, v)
		if err != nil {
			return err
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(line + "\n")
	return err
}

// Load reads every well-formed JSON line in the file, invoking fn for each.
// A missing file yields zero lines, not an error (cold start). A truncated
// or malformed trailing line is silently discarded.
func Load(path string, fn func(line gjson.Result)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if !gjson.Valid(text) {
			continue // truncated/corrupt trailing line: discard and continue cold
		}
		fn(gjson.Parse(text))
	}
	return nil
}
