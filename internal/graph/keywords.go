// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package graph

import (
	"regexp"
	"strings"
)

// techKeywords is the fixed vocabulary matched against a task's
// description and implementation details.
var techKeywords = []string{
	"api", "endpoint", "route", "handler", "controller",
	"model", "schema", "database", "migration", "query",
	"service", "repository", "client", "provider",
	"component", "view", "page", "form", "modal",
	"test", "spec", "fixture", "mock",
	"auth", "authentication", "authorization", "jwt", "oauth",
	"event", "command", "aggregate", "projection",
	"websocket", "socket", "stream", "queue", "message",
	"cache", "redis", "storage", "file",
	"validation", "error", "exception", "logging",
}

var filePathPattern = regexp.MustCompile(`[\w/]+\.\w+`)

const maxKeywordFileRefs = 5

// extractKeywords matches description/implementationDetails against
// the fixed technical vocabulary, then appends up to five
// file-path-looking tokens found in the text.
func extractKeywords(description, implementationDetails string) []string {
	text := description + " " + implementationDetails
	lower := strings.ToLower(text)

	var keywords []string
	for _, kw := range techKeywords {
		if strings.Contains(lower, kw) {
			keywords = append(keywords, kw)
		}
	}

	refs := filePathPattern.FindAllString(text, -1)
	if len(refs) > maxKeywordFileRefs {
		refs = refs[:maxKeywordFileRefs]
	}
	keywords = append(keywords, refs...)

	return keywords
}

// overlapCount returns the number of keywords shared by a and b.
func overlapCount(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	count := 0
	for _, k := range b {
		if set[k] {
			count++
		}
	}
	return count
}
