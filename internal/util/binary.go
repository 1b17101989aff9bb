// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BinaryNotFoundError lists every location FindBinary tried.
type BinaryNotFoundError struct {
	Name     string
	Searched []string
}

func (e *BinaryNotFoundError) Error() string {
	return fmt.Sprintf("binary %s not found (searched %s and PATH)", e.Name, strings.Join(e.Searched, ", "))
}

// FindBinary locates an executable. The value of envVar wins when it names
// an executable file, then each of dirs in order, then the working
// directory, then PATH.
func FindBinary(name, envVar string, dirs ...string) (string, error) {
	var candidates []string
	if envVar != "" {
		if p := os.Getenv(envVar); p != "" {
			candidates = append(candidates, p)
		}
	}
	for _, dir := range dirs {
		if dir != "" {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	candidates = append(candidates, "."+string(filepath.Separator)+name)

	for _, c := range candidates {
		if isExecutable(c) {
			return c, nil
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", &BinaryNotFoundError{Name: name, Searched: candidates}
}

// isExecutable reports whether path is a regular file with any execute bit.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
