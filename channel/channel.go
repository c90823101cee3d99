// Package channel implements the dotted addressing scheme used on the
// internal bus. Every message in the system is published on a channel of the
// form `target.method[.code_name]`, where target is either a zone id or a
// client id. Subscriptions are made against the pattern `target.*`, so a
// subscriber receives every method published for that target.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadChannel is returned when a channel expression cannot be parsed or a
// Channel value violates the grammar. Malformed channels are dropped by the
// servers; they never terminate a session.
var ErrBadChannel = errors.New("bad channel")

// Method is the verb component of a channel.
type Method string

const (
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodDelete Method = "delete"
	MethodCall   Method = "call"
	MethodJoin   Method = "join"
	MethodLeave  Method = "leave"
)

// valid reports whether m is one of the six known verbs.
func (m Method) valid() bool {
	switch m {
	case MethodCreate, MethodUpdate, MethodDelete, MethodCall, MethodJoin, MethodLeave:
		return true
	}
	return false
}

// takesCodeName reports whether the method carries a third component.
// Create names a distributed object class, call names a method.
func (m Method) takesCodeName() bool {
	return m == MethodCreate || m == MethodCall
}

// Channel is a parsed bus address.
type Channel struct {
	// Target is a zone id (shared channel) or a client id (whisper).
	Target string
	// Method is the verb.
	Method Method
	// CodeName identifies a registry class (create) or a method name (call).
	// It must be empty for every other method.
	CodeName string
}

// Parse decodes a dotted channel expression. Round-trip law: for every
// well-formed channel c, Parse(c.String()) == c.
func Parse(s string) (Channel, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Channel{}, fmt.Errorf("%w: %q has %d components", ErrBadChannel, s, len(parts))
	}

	c := Channel{Target: parts[0], Method: Method(parts[1])}
	if len(parts) == 3 {
		c.CodeName = parts[2]
	}
	if err := c.Validate(); err != nil {
		return Channel{}, err
	}
	return c, nil
}

// Validate checks the grammar: non-empty target, a known method, and a code
// name present exactly when the method requires one.
func (c Channel) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("%w: empty target", ErrBadChannel)
	}
	if strings.Contains(c.Target, ".") {
		return fmt.Errorf("%w: target %q contains a dot", ErrBadChannel, c.Target)
	}
	if !c.Method.valid() {
		return fmt.Errorf("%w: unknown method %q", ErrBadChannel, c.Method)
	}
	switch {
	case c.Method.takesCodeName() && c.CodeName == "":
		return fmt.Errorf("%w: method %q requires a code name", ErrBadChannel, c.Method)
	case !c.Method.takesCodeName() && c.CodeName != "":
		return fmt.Errorf("%w: method %q forbids a code name", ErrBadChannel, c.Method)
	case c.CodeName != "" && strings.Contains(c.CodeName, "."):
		return fmt.Errorf("%w: code name %q contains a dot", ErrBadChannel, c.CodeName)
	}
	return nil
}

// String renders the channel back to its dotted form.
func (c Channel) String() string {
	if c.CodeName != "" {
		return c.Target + "." + string(c.Method) + "." + c.CodeName
	}
	return c.Target + "." + string(c.Method)
}

// Pattern returns the bus subscription pattern covering every method
// published for target.
func Pattern(target string) string {
	return target + ".*"
}
