// Forge server: Language detection for syntax highlighting
// Copyright Alistair Cunningham 2025

package main

import (
	"strings"
)

// File extension to highlighter language
var languages = map[string]string{
	"bash":       "bash",
	"c":          "c",
	"cpp":        "cpp",
	"css":        "css",
	"dockerfile": "docker",
	"gitignore":  "git",
	"go":         "go",
	"h":          "c",
	"hpp":        "cpp",
	"html":       "markup",
	"java":       "java",
	"js":         "javascript",
	"json":       "json",
	"jsx":        "jsx",
	"md":         "markdown",
	"php":        "php",
	"py":         "python",
	"rb":         "ruby",
	"rs":         "rust",
	"scss":       "scss",
	"sh":         "bash",
	"sql":        "sql",
	"swift":      "swift",
	"toml":       "toml",
	"ts":         "typescript",
	"tsx":        "tsx",
	"xml":        "markup",
	"yaml":       "yaml",
	"yml":        "yaml",
}

// Language of a file, from the text after its last dot, or the whole name if it has none
func git_language(name string) string {
	ext := name
	if i := strings.LastIndex(name, "."); i >= 0 {
		ext = name[i+1:]
	}
	l, found := languages[strings.ToLower(ext)]
	if !found {
		return "plaintext"
	}
	return l
}
