package channel

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Channel
	}{
		{"chat.join", Channel{Target: "chat", Method: MethodJoin}},
		{"chat.leave", Channel{Target: "chat", Method: MethodLeave}},
		{"chat.update", Channel{Target: "chat", Method: MethodUpdate}},
		{"chat.delete", Channel{Target: "chat", Method: MethodDelete}},
		{"chat.create.Message", Channel{Target: "chat", Method: MethodCreate, CodeName: "Message"}},
		{"chat.call.shout", Channel{Target: "chat", Method: MethodCall, CodeName: "shout"}},
		{"c1.create.Message", Channel{Target: "c1", Method: MethodCreate, CodeName: "Message"}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.in, got.String())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"chat",
		"not a channel",
		"chat.explode",           // unknown method
		"chat.update.Message",    // code name on a method that forbids it
		"chat.join.Message",      // same, join
		"chat.create",            // create requires a code name
		"chat.call",              // call requires a code name
		"chat.create.Message.hi", // too many components
		".join",                  // empty target
	}
	for _, s := range bad {
		_, err := Parse(s)
		require.Error(t, err, "expected %q to fail", s)
		assert.True(t, errors.Is(err, ErrBadChannel), s)
	}
}

func TestPattern(t *testing.T) {
	assert.Equal(t, "chat.*", Pattern("chat"))
	assert.Equal(t, "c1.*", Pattern("c1"))
}

// TestRoundTripProperty checks parse∘format = id over generated well-formed
// channels.
func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	ident := gen.RegexMatch(`[a-zA-Z0-9_-]+`)
	methods := gen.OneConstOf(MethodCreate, MethodUpdate, MethodDelete, MethodCall, MethodJoin, MethodLeave)

	properties.Property("parse(format(c)) == c", prop.ForAll(
		func(target string, method Method, codeName string) bool {
			c := Channel{Target: target, Method: method}
			if method.takesCodeName() {
				c.CodeName = codeName
			}
			parsed, err := Parse(c.String())
			return err == nil && parsed == c
		},
		ident, methods, ident,
	))

	properties.TestingRun(t)
}
