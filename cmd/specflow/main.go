// Package main provides the specflow binary entry point. Specflow is the
// dashboard orchestration engine: it drives an AI coding agent through
// design, analyze, implement, verify and merge phases.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/specflowhq/specflow/commands"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	os.Exit(commands.Execute())
}
