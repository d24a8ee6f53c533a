// Package log offers a small offline helper for scanning a session log
// file and summarizing its error/warning activity, used by the monitor
// command's log-tailing mode. It is independent of internal/applog,
// which is the live leveled sink; this package only reads what that
// sink already wrote to disk.
package log

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Summary counts how many lines of each severity a log file contains.
type Summary struct {
	Errors   int
	Warnings int
	Lines    int
}

// Summarize scans path line by line and tallies charmbracelet/log's
// level prefixes ("ERRO", "WARN"), matching the kind of health check
// the original's do_log_parsing.py dev script did by hand against a
// raw session log, scaled down to what the monitor command actually
// needs: a quick read on whether a session has been noisy.
func Summarize(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, errors.Wrap(err, "log.Summarize: open")
	}
	defer f.Close()

	var s Summary
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		s.Lines++

		switch {
		case strings.Contains(line, "ERRO"):
			s.Errors++
		case strings.Contains(line, "WARN"):
			s.Warnings++
		}
	}

	if err := scanner.Err(); err != nil {
		return Summary{}, errors.Wrap(err, "log.Summarize: scan")
	}

	return s, nil
}
