package dbc

import (
	"errors"
	"fmt"
)

var ErrSyntax = errors.New("dbc: syntax error")

// ParseError reports malformed fragment text. Line and Column are 1-based.
type ParseError struct {
	Fragment  string
	Line      int
	Column    int
	Construct string
	Msg       string
}

func (e *ParseError) Error() string {
	name := e.Fragment
	if name == "" {
		name = "<fragment>"
	}
	if e.Construct != "" {
		return fmt.Sprintf("%s:%d:%d: %s: %s", name, e.Line, e.Column, e.Construct, e.Msg)
	}
	return fmt.Sprintf("%s:%d:%d: %s", name, e.Line, e.Column, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrSyntax }
