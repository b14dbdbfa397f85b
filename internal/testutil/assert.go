// Package testutil holds assertion helpers and scripted collaborators shared
// by the engine and pipeline tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"testing"

	"github.com/agentstation/gestalt"
)

// Assert stops the test at the first failed assertion.
type Assert struct {
	t testing.TB
}

// NewAssert creates a new assert helper.
func NewAssert(t testing.TB) *Assert {
	return &Assert{t: t}
}

// Equal asserts that two values are deeply equal.
func (a *Assert) Equal(expected, actual any, msgAndArgs ...any) {
	a.t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		a.fail(fmt.Sprintf("Expected: %v\nActual: %v", expected, actual), msgAndArgs...)
	}
}

// Nil asserts that a value is nil, including typed nil pointers and maps.
func (a *Assert) Nil(value any, msgAndArgs ...any) {
	a.t.Helper()
	if value == nil {
		return
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		if v.IsNil() {
			return
		}
	}
	a.fail(fmt.Sprintf("Expected nil, but got: %v", value), msgAndArgs...)
}

// True asserts that a value is true.
func (a *Assert) True(value bool, msgAndArgs ...any) {
	a.t.Helper()
	if !value {
		a.fail("Expected true, but got false", msgAndArgs...)
	}
}

// False asserts that a value is false.
func (a *Assert) False(value bool, msgAndArgs ...any) {
	a.t.Helper()
	if value {
		a.fail("Expected false, but got true", msgAndArgs...)
	}
}

// Error asserts that an error occurred.
func (a *Assert) Error(err error, msgAndArgs ...any) {
	a.t.Helper()
	if err == nil {
		a.fail("Expected error, but got nil", msgAndArgs...)
	}
}

// NoError asserts that no error occurred.
func (a *Assert) NoError(err error, msgAndArgs ...any) {
	a.t.Helper()
	if err != nil {
		a.fail(fmt.Sprintf("Expected no error, but got: %v", err), msgAndArgs...)
	}
}

// ErrorIs asserts that err matches target.
func (a *Assert) ErrorIs(err, target error, msgAndArgs ...any) {
	a.t.Helper()
	if !errors.Is(err, target) {
		a.fail(fmt.Sprintf("Expected error matching %v, but got: %v", target, err), msgAndArgs...)
	}
}

// Len asserts the length of a slice, map or string.
func (a *Assert) Len(collection any, length int, msgAndArgs ...any) {
	a.t.Helper()
	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Array, reflect.Chan, reflect.Map, reflect.Slice, reflect.String:
	default:
		a.fail(fmt.Sprintf("Cannot get length of %T", collection), msgAndArgs...)
		return
	}
	if v.Len() != length {
		a.fail(fmt.Sprintf("Expected length %d, but got %d: %v", length, v.Len(), collection), msgAndArgs...)
	}
}

// Keys asserts that an artifact map holds exactly the given keys.
func (a *Assert) Keys(m map[string]string, keys ...string) {
	a.t.Helper()
	got := slices.Sorted(maps.Keys(m))
	want := slices.Sorted(slices.Values(keys))
	if !slices.Equal(got, want) {
		a.fail(fmt.Sprintf("Expected keys %v\nActual keys: %v", want, got))
	}
}

func (a *Assert) fail(message string, msgAndArgs ...any) {
	a.t.Helper()
	switch {
	case len(msgAndArgs) > 1:
		if format, ok := msgAndArgs[0].(string); ok {
			message = fmt.Sprintf(format, msgAndArgs[1:]...) + "\n" + message
		}
	case len(msgAndArgs) == 1:
		message = fmt.Sprintf("%v\n%s", msgAndArgs[0], message)
	}
	a.t.Fatal(message)
}

// GraphAssert adds graph-run assertions.
type GraphAssert struct {
	*Assert
}

// NewGraphAssert creates graph-specific assertions.
func NewGraphAssert(t testing.TB) *GraphAssert {
	return &GraphAssert{Assert: NewAssert(t)}
}

// GraphFails runs graph from initial and asserts a *gestalt.RunError.
func (ga *GraphAssert) GraphFails(graph *gestalt.Graph, initial gestalt.Update) *gestalt.RunError {
	ga.t.Helper()

	state, err := graph.NewState(initial)
	ga.NoError(err, "initial state rejected")
	_, err = graph.Run(context.Background(), state)
	ga.Error(err, "Expected graph to fail")

	var runErr *gestalt.RunError
	ga.True(errors.As(err, &runErr), "Expected *gestalt.RunError, got %T", err)
	return runErr
}
