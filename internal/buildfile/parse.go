// Package buildfile loads rules from a build description.
//
// Two formats are accepted. The make-like form:
//
//	# comment
//	targets... : deps...
//	targets...
//		command
//		command that continues \
//		on the next line
//
// and a YAML form:
//
//	rules:
//	  - targets: [out.o]
//	    deps: [in.c]
//	    commands: ["cc -c in.c -o out.o"]
package buildfile

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"autodep/internal/core"
)

// ParseError locates a syntax error in a build description.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Parse reads the make-like form. name is used in errors and rule origins.
func Parse(r io.Reader, name string) ([]*core.Rule, error) {
	var (
		out     []*core.Rule
		current *core.Rule
		pending strings.Builder // command being continued
		lineNo  int
		cmdLine int
	)
	errorf := func(line int, format string, args ...any) error {
		return &ParseError{File: name, Line: line, Msg: fmt.Sprintf(format, args...)}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSuffix(sc.Text(), "\r")

		if pending.Len() > 0 {
			pending.WriteByte('\n')
			pending.WriteString(strings.TrimPrefix(line, "\t"))
			if !continues(line) {
				current.AddCommand(pending.String())
				pending.Reset()
			}
			continue
		}

		if strings.HasPrefix(line, "\t") {
			if current == nil {
				return nil, errorf(lineNo, "command before first rule")
			}
			cmd := line[1:]
			if strings.TrimSpace(cmd) == "" {
				continue
			}
			if continues(cmd) {
				cmdLine = lineNo
				pending.WriteString(cmd)
				continue
			}
			current.AddCommand(cmd)
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		head, deps := line, ""
		if colon := headerColon(line); colon >= 0 {
			head, deps = line[:colon], line[colon+1:]
		}
		targets := fields(head)
		if len(targets) == 0 {
			return nil, errorf(lineNo, "rule has no targets")
		}
		current = &core.Rule{Origin: fmt.Sprintf("%s:%d", name, lineNo)}
		for _, t := range targets {
			current.AddTarget(t)
		}
		for _, d := range fields(deps) {
			if d == "|" {
				continue
			}
			current.AddDependency(d)
		}
		out = append(out, current)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if pending.Len() > 0 {
		return nil, errorf(cmdLine, "unterminated command continuation")
	}
	return out, nil
}

// continues reports whether a command line ends in an unescaped backslash.
func continues(line string) bool {
	n := 0
	for i := len(line) - 1; i >= 0 && line[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

// headerColon finds the first colon not escaped with a backslash.
func headerColon(line string) int {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case ':':
			return i
		}
	}
	return -1
}

// fields splits on spaces and tabs and turns "\:" into ":". Other escapes are
// kept for the matcher.
func fields(s string) []string {
	out := strings.Fields(s)
	for i, f := range out {
		out[i] = strings.ReplaceAll(f, `\:`, ":")
	}
	return out
}
