package util

import (
	"io"
	"os"
	"strings"
)

// ReadLines reads path, or stdin when path is "-", and returns its non-blank
// lines with surrounding whitespace removed.
func ReadLines(path string, stdin io.Reader) ([]string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
