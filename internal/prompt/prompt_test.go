package prompt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/nbchat/backend/internal/prompt"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name        string
		raw         string
		participant string
		command     string
		input       string
	}{
		{"plain", "hello world", "default", "", "hello world"},
		{"participant and command", "@bob /cmd do X", "bob", "cmd", "do X"},
		{"participant only", "@bob what is this", "bob", "", "what is this"},
		{"command only", "/explain this cell", "default", "explain", "this cell"},
		{"empty", "", "default", "", ""},
		{"whitespace only", "   ", "default", "", ""},
		{"leading whitespace", "   @ada /run it", "ada", "run", "it"},
		{"leading carriage return", "\r\n@ada /run it", "ada", "run", "it"},
		{"unicode whitespace prefix", "\u00a0\t@bob hi", "bob", "", "hi"},
		{"extra spaces collapse", "@ada   /run   a  b", "ada", "run", "a b"},
		{"bare at", "@bob", "bob", "", ""},
		{"command without input", "@bob /clear", "bob", "clear", ""},
		{"at mid-sentence ignored", "mail me @bob", "default", "", "mail me @bob"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			participant, command, input := prompt.Parse(tc.raw)
			require.Equal(t, tc.participant, participant)
			require.Equal(t, tc.command, command)
			require.Equal(t, tc.input, input)
		})
	}
}
