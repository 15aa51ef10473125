package env

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// Keys injected into the backend environment.
const (
	UnbufferedKey = "PYTHONUNBUFFERED"
	PortKey       = "DESKSHELL_BACKEND_PORT"
)

type Var map[string]string

// Env composes the environment handed to the backend child.
type Env struct {
	Var Var // shell-level overrides (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// ForBackend returns an Env that forces unbuffered child output and tells
// the child which port it must bind.
func ForBackend(port int) *Env {
	return New().
		WithSet(UnbufferedKey, "1").
		WithSet(PortKey, strconv.Itoa(port))
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.env = base
}

// FromVars replaces the base with base; nil yields an empty base so only
// overrides reach the child.
func (e *Env) FromVars(base Var) {
	e.env = make(Var, len(base))
	for k, v := range base {
		e.env[k] = v
	}
}

// WithSet sets K=V and returns e for chaining.
func (e *Env) WithSet(k, v string) *Env {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
	return e
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list applying order:
// OS env, then e.Var overrides, then extra ("K=V") overrides.
// ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
