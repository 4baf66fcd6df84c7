package tools

import (
	"bufio"
	"encoding/json"
	"strings"
)

// ExtractSource records which step of the fallback chain recovered a JSON document.
type ExtractSource string

const (
	ExtractWhole      ExtractSource = "whole"
	ExtractFirstBlock ExtractSource = "first_block"
	ExtractLastBlock  ExtractSource = "last_block"
	ExtractText       ExtractSource = "text"
	ExtractNone       ExtractSource = ""
)

// ExtractJSON recovers a JSON object from tool stdout that may be wrapped in log noise. It tries the
// whole output, then the first balanced {...} block, then the last one, and finally falls back to
// reading "key: value" lines. Only the first three are complete recoveries.
func ExtractJSON(output string) (map[string]any, ExtractSource) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, ExtractNone
	}
	if doc, ok := decodeObject(trimmed); ok {
		return doc, ExtractWhole
	}
	if block, ok := firstBlock(trimmed); ok {
		if doc, ok := decodeObject(block); ok {
			return doc, ExtractFirstBlock
		}
	}
	if block, ok := lastBlock(trimmed); ok {
		if doc, ok := decodeObject(block); ok {
			return doc, ExtractLastBlock
		}
	}
	if doc := parseKeyValues(trimmed); len(doc) > 0 {
		return doc, ExtractText
	}
	return nil, ExtractNone
}

func decodeObject(s string) (map[string]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

// firstBlock returns the first brace-balanced object, honouring string literals.
func firstBlock(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	if end := matchBrace(s, start); end > start {
		return s[start : end+1], true
	}
	return "", false
}

// lastBlock returns the last top-level brace-balanced object.
func lastBlock(s string) (string, bool) {
	var found string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end := matchBrace(s, i)
		if end < 0 {
			continue
		}
		found = s[i : end+1]
		i = end
	}
	return found, found != ""
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseKeyValues(s string) map[string]any {
	doc := make(map[string]any)
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.Join(strings.Fields(key), "_"))
		value = strings.TrimSpace(value)
		if key == "" || value == "" || strings.ContainsAny(key, "{}[]\"") {
			continue
		}
		doc[key] = value
	}
	return doc
}
