package tracer

import (
	"fmt"
	"strings"
)

// scopeStack gives hierarchical names to newly recorded nodes.
type scopeStack struct {
	names []string
}

func (s *scopeStack) push(name string) {
	s.names = append(s.names, name)
}

func (s *scopeStack) pop() error {
	if len(s.names) == 0 {
		return fmt.Errorf("popping an empty scope stack: %w", ErrInvalidState)
	}
	s.names = s.names[:len(s.names)-1]
	return nil
}

func (s *scopeStack) depth() int {
	return len(s.names)
}

// current is the slash-joined path of the open scopes.
func (s *scopeStack) current() string {
	return strings.Join(s.names, "/")
}
