package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadCommands(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		trigger string
		unknown bool
	}{
		{"exit", "exit\n", "command exit", false},
		{"quit mixed case", "  QUIT \n", "command quit", false},
		{"terminate after unknown", "status\nterminate\n", "command terminate", true},
		{"end of input", "", "input closed", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			var triggers []string
			readCommands(strings.NewReader(tc.input), &out, func(trigger string) {
				triggers = append(triggers, trigger)
			})

			assert.Equal(t, []string{tc.trigger}, triggers)
			assert.Equal(t, tc.unknown, strings.Contains(out.String(), "Unknown command 'status'"))
		})
	}
}
