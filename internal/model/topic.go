package model

import "strings"

// TopicFor builds the upper-cased "/{SOURCE}/{DESTINATION}" path for a currency pair.
func TopicFor(source, destination string) string {
	return "/" + strings.ToUpper(source) + "/" + strings.ToUpper(destination)
}

// NormalizeTopic upper-cases a client supplied path and reports whether it has
// the "/{INSTRUMENT}/{CURRENCY}" shape.
func NormalizeTopic(path string) (string, bool) {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		return "", false
	}
	parts := strings.Split(path[1:], "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return TopicFor(parts[0], parts[1]), true
}

// SplitPair splits a combined instrument code such as "BTC-USD" on sep.
func SplitPair(pair, sep string) (string, string, bool) {
	parts := strings.Split(pair, sep)
	if len(parts) != 2 {
		return "", "", false
	}
	source, destination := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if source == "" || destination == "" {
		return "", "", false
	}
	return source, destination, true
}
