package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const prompt = "> "

// readCommands reads operator commands line by line. exit, quit and terminate request a
// shutdown, and so does the end of input.
func readCommands(in io.Reader, out io.Writer, request func(trigger string)) {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "exit", "quit", "terminate":
			request("command " + strings.ToLower(line))
			return
		case "":
		default:
			fmt.Fprintf(out, "Unknown command '%s'. Possible commands are 'exit', 'quit' and 'terminate'\n", line)
		}
		fmt.Fprint(out, prompt)
	}
	request("input closed")
}
