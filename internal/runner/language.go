package runner

import "strings"

// Language describes how to build and run one source language.
type Language struct {
	Name string

	// File is the name the source is written to inside the workspace.
	File string

	// Compile is run before Run for compiled languages; empty otherwise.
	Compile []string
	Run     []string

	// Piston is the runtime name used by the remote execution API.
	Piston string
}

func (l Language) Compiled() bool { return len(l.Compile) > 0 }

// DefaultLanguages is the toolchain table used when none is configured.
func DefaultLanguages() map[string]Language {
	langs := []Language{
		{Name: "javascript", File: "main.js", Run: []string{"node", "main.js"}, Piston: "javascript"},
		{Name: "python", File: "main.py", Run: []string{"python3", "-u", "main.py"}, Piston: "python3"},
		{Name: "ruby", File: "main.rb", Run: []string{"ruby", "main.rb"}, Piston: "ruby"},
		{Name: "bash", File: "main.sh", Run: []string{"sh", "main.sh"}, Piston: "bash"},
		{
			Name:    "cpp",
			File:    "main.cpp",
			Compile: []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
			Run:     []string{"./main"},
			Piston:  "cpp",
		},
		{
			Name:    "c",
			File:    "main.c",
			Compile: []string{"gcc", "-O2", "-o", "main", "main.c"},
			Run:     []string{"./main"},
			Piston:  "c",
		},
		{
			Name:    "java",
			File:    "Main.java",
			Compile: []string{"javac", "Main.java"},
			Run:     []string{"java", "-cp", ".", "Main"},
			Piston:  "java",
		},
		{
			Name:    "go",
			File:    "main.go",
			Compile: []string{"go", "build", "-o", "main", "main.go"},
			Run:     []string{"./main"},
			Piston:  "go",
		},
	}

	table := make(map[string]Language, len(langs))
	for _, l := range langs {
		table[l.Name] = l
	}
	return table
}

var aliases = map[string]string{
	"js":      "javascript",
	"node":    "javascript",
	"py":      "python",
	"python3": "python",
	"c++":     "cpp",
	"sh":      "bash",
	"golang":  "go",
}

func lookup(table map[string]Language, name string) (Language, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		if _, exists := table[key]; !exists {
			key = canonical
		}
	}
	l, ok := table[key]
	return l, ok
}
