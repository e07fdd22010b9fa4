package delivery

import (
	"context"
	"reflect"
	"regexp"
	"strings"
)

// Command is the unit of work applied to a target.
type Command interface {
	Type() string
	Validate() error
}

// ConstructorCommand marks commands that create their target instead of
// mutating an existing one. Delivering one against a live target is a
// permanent conflict, never retried.
type ConstructorCommand interface {
	Command
	ConstructsTarget()
}

// Enactor applies a command against a loaded target.
type Enactor[T any] interface {
	EnactCommand(ctx context.Context, target T, cmd Command) error
}

// EnactorFunc is an adapter that lets you use a function as an Enactor[T].
type EnactorFunc[T any] func(ctx context.Context, target T, cmd Command) error

// EnactCommand calls the underlying function.
func (f EnactorFunc[T]) EnactCommand(ctx context.Context, target T, cmd Command) error {
	return f(ctx, target, cmd)
}

// ExceptionHandler is an optional enactor capability invoked when delivery
// fails. The handler may record compensating state and override the retry
// decision on the failure.
type ExceptionHandler[T any] interface {
	HandleScheduledCommandException(ctx context.Context, target T, failure *CommandFailed) error
}

// TargetFactory is the enactor capability required by constructor commands.
type TargetFactory[T any] interface {
	ConstructTarget(ctx context.Context, cmd Command) (T, error)
}

// IsNilCommand reports whether cmd is nil or a typed nil pointer.
func IsNilCommand(cmd any) bool {
	if cmd == nil {
		return true
	}

	v := reflect.ValueOf(cmd)
	if v.Kind() != reflect.Ptr {
		return false
	}

	return v.IsNil()
}

// CommandType returns a stable name for a command, used for registry keys
// and log correlation.
func CommandType(cmd any) string {
	if IsNilCommand(cmd) {
		return "unknown_type"
	}

	// if cmd implements Type() then we use that:
	if typer, ok := cmd.(interface{ Type() string }); ok {
		if name := strings.TrimSpace(typer.Type()); name != "" {
			return name
		}
	}

	t := reflect.TypeOf(cmd)
	if t == nil {
		return "unknown_type"
	}

	typeName := t.String()

	if t.Kind() == reflect.Ptr {
		typeName = typeName[1:] // remove the "*" prefix
		t = t.Elem()
	}

	pkgPath := t.PkgPath()
	if pkgPath != "" {
		parts := strings.Split(pkgPath, "/")
		pkgPath = parts[len(parts)-1]
	}

	txName := toSnakeCase(typeName)

	if pkgPath == "" {
		return txName
	}
	return pkgPath + "::" + txName
}

func toSnakeCase(s string) string {
	snake := regexp.MustCompile("([a-z0-9])([A-Z])").ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(snake)
}
