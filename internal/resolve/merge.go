package resolve

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// MergeText combines two concurrent text revisions into one deterministic
// result. The inputs are ordered internally, so the outcome does not depend
// on which side calls it. Non-text input fails the merge, which demotes the
// document to a manual conflict.
func MergeText(a, b []byte) ([]byte, error) {
	if !utf8.Valid(a) || !utf8.Valid(b) {
		return nil, fmt.Errorf("merge: content is not valid UTF-8")
	}
	if bytes.Equal(a, b) {
		return append([]byte(nil), a...), nil
	}

	// Orient by byte order so both peers merge in the same direction.
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}

	base := splitLines(a)
	seen := make(map[string]struct{}, len(base))
	for _, line := range base {
		seen[line] = struct{}{}
	}

	out := append([]string(nil), base...)
	for _, line := range splitLines(b) {
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}

	var buf bytes.Buffer
	for _, line := range out {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// splitLines splits on \n and drops a single trailing empty segment so a
// trailing newline does not produce a phantom line
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{'\n'})
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
	}
	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = string(p)
	}
	return lines
}
