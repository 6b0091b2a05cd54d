package prompt

import (
	"strings"
	"unicode"
)

// DefaultParticipantID is the participant that serves prompts without an
// explicit @ prefix.
const DefaultParticipantID = "default"

// Parse splits a raw chat prompt into its participant, command and remaining
// input. A leading "@name" token selects the participant, a following "/cmd"
// token selects the command; everything else, space-joined, is the input.
// Every string parses to some triple, there are no error cases.
func Parse(raw string) (participant, command, input string) {
	participant = DefaultParticipantID

	parts := strings.Split(strings.TrimLeftFunc(raw, unicode.IsSpace), " ")
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			tokens = append(tokens, part)
		}
	}

	if len(tokens) > 0 && strings.HasPrefix(tokens[0], "@") {
		participant = tokens[0][1:]
		tokens = tokens[1:]
	}

	if len(tokens) > 0 && strings.HasPrefix(tokens[0], "/") {
		command = tokens[0][1:]
		tokens = tokens[1:]
	}

	input = strings.Join(tokens, " ")
	return participant, command, input
}
