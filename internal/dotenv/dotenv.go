// Package dotenv loads KEY=VALUE files into the process environment for
// local development. Variables already present in the environment always
// win.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type pair struct {
	key, value string
}

// Load reads ".env" from the working directory. A missing file is not an
// error.
func Load() error {
	return LoadFile(".env")
}

// LoadFile loads one dotenv-style file. A missing file is not an error.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	pairs, err := parse(file)
	if err != nil {
		return fmt.Errorf("parse env file %q: %w", path, err)
	}
	for _, p := range pairs {
		if _, exists := os.LookupEnv(p.key); exists {
			continue
		}
		if err := os.Setenv(p.key, p.value); err != nil {
			return fmt.Errorf("set env %q from %q: %w", p.key, path, err)
		}
	}
	return nil
}

func parse(r io.Reader) ([]pair, error) {
	var pairs []pair
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		pairs = append(pairs, pair{key: key, value: unquote(strings.TrimSpace(value))})
	}
	return pairs, scanner.Err()
}

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
