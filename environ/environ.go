// Package environ imports whitelisted variables from the invoking process
// into the PAM environment.
//
// Precedence is framework > process > unset: a name already present in the
// PAM environment is never replaced, and a name missing from the whitelist
// is never imported.
package environ

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zylisp/escalate/pam"
)

// AddEnvOption is the only module argument the module recognizes.
const AddEnvOption = "add_env"

// ArgError reports a module argument that could not be used.
type ArgError struct {
	Arg    string
	Reason string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("module argument %q: %s", e.Arg, e.Reason)
}

// Whitelist is an ordered set of variable names. The zero value is empty.
type Whitelist struct {
	names []string
}

// NewWhitelist builds a whitelist, keeping the first occurrence of each name.
func NewWhitelist(names ...string) (Whitelist, error) {
	var w Whitelist
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if err := validName(name); err != nil {
			return Whitelist{}, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		w.names = append(w.names, name)
	}
	return w, nil
}

// ParseArgs builds the whitelist from module arguments. Only
// add_env=NAME[,NAME...] is accepted; it may be repeated.
func ParseArgs(args []string) (Whitelist, error) {
	var names []string
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key != AddEnvOption {
			return Whitelist{}, &ArgError{Arg: arg, Reason: "unrecognized option"}
		}
		for _, name := range strings.Split(value, ",") {
			if name == "" {
				continue
			}
			if err := validName(name); err != nil {
				return Whitelist{}, &ArgError{Arg: arg, Reason: err.Error()}
			}
			names = append(names, name)
		}
	}
	return NewWhitelist(names...)
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty variable name")
	}
	if strings.ContainsAny(name, "=\x00") {
		return fmt.Errorf("invalid variable name %q", name)
	}
	return nil
}

// Names returns the names in whitelist order.
func (w Whitelist) Names() []string {
	return append([]string(nil), w.names...)
}

// Len returns the number of names.
func (w Whitelist) Len() int {
	return len(w.names)
}

// Contains reports whether name is whitelisted.
func (w Whitelist) Contains(name string) bool {
	for _, n := range w.names {
		if n == name {
			return true
		}
	}
	return false
}

// Var is one environment assignment.
type Var struct {
	Name  string
	Value string
}

// LookupFunc reports the value of a variable and whether it is set.
type LookupFunc func(name string) (string, bool)

// MapLookup returns a LookupFunc over m.
func MapLookup(m map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

// Imports returns, in whitelist order, the assignments to add: names unset
// in framework and set in process.
func Imports(framework, process LookupFunc, wl Whitelist) []Var {
	var vars []Var
	for _, name := range wl.names {
		if _, set := framework(name); set {
			continue
		}
		if v, ok := process(name); ok {
			vars = append(vars, Var{Name: name, Value: v})
		}
	}
	return vars
}

// Merge returns the environment that results from importing the whitelisted
// process variables into framework. Neither input is modified.
func Merge(framework, process map[string]string, wl Whitelist) map[string]string {
	out := make(map[string]string, len(framework)+wl.Len())
	for k, v := range framework {
		out[k] = v
	}
	for _, v := range Imports(MapLookup(framework), MapLookup(process), wl) {
		out[v.Name] = v.Value
	}
	return out
}

// Apply installs the imports into the PAM environment of h and returns them.
// On failure the environment of h is left as it was.
func Apply(h pam.Handle, process LookupFunc, wl Whitelist) ([]Var, error) {
	vars := Imports(h.Getenv, process, wl)
	if err := Install(h, vars); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	return vars, nil
}

// Install sets every variable in vars, in order, or none of them. Names are
// checked before anything is written; if a write fails, the variables
// already written are restored to their prior values.
func Install(h pam.Handle, vars []Var) error {
	for _, v := range vars {
		if err := validName(v.Name); err != nil {
			return err
		}
	}

	type prior struct {
		value string
		set   bool
	}
	saved := make([]prior, 0, len(vars))
	for i, v := range vars {
		old, set := h.Getenv(v.Name)
		saved = append(saved, prior{value: old, set: set})
		if err := h.Putenv(v.Name, v.Value); err != nil {
			err = fmt.Errorf("install %s: %w", v.Name, err)
			for j := i - 1; j >= 0; j-- {
				var rerr error
				if saved[j].set {
					rerr = h.Putenv(vars[j].Name, saved[j].value)
				} else {
					rerr = h.Unsetenv(vars[j].Name)
				}
				if rerr != nil {
					err = errors.Join(err, fmt.Errorf("restore %s: %w", vars[j].Name, rerr))
				}
			}
			return err
		}
	}
	return nil
}
