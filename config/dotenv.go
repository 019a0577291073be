// ABOUTME: Loads API keys and overrides from .env files without clobbering the real environment.
// ABOUTME: Searches the working directory and its parents, then the executable's directory.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadDotEnv sets variables from path that are not already set. A missing
// file is ignored. Accepts KEY=VALUE, quoted values, and an export prefix.
func LoadDotEnv(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	set := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
			set++
		}
	}
	return set
}

func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// LoadDotEnvAuto loads every .env from the working directory upward and
// next to the executable. Closer files win because they are read first.
func LoadDotEnvAuto() {
	seen := map[string]bool{}
	load := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		LoadDotEnv(p)
	}

	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for {
			load(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if exe, err := os.Executable(); err == nil {
		load(filepath.Join(filepath.Dir(exe), ".env"))
	}
}
