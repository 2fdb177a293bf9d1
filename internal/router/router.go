// Package router dispatches requests through an explicit (method, path) table.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/mcncl/slowhello/internal/errors"
)

// Route binds one method and exact path to a handler
type Route struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Router serves a fixed set of routes. Unknown paths get 404, known paths
// with another method get 405 and an Allow header. HEAD is answered by the
// GET handler when no HEAD route exists.
type Router struct {
	routes map[string]map[string]http.Handler // path -> method -> handler
}

// New builds a Router. It panics on a duplicate or incomplete route, which
// is a programming error at startup.
func New(routes ...Route) *Router {
	rt := &Router{routes: make(map[string]map[string]http.Handler)}
	for _, r := range routes {
		if r.Method == "" || r.Path == "" || r.Handler == nil {
			panic(fmt.Sprintf("router: incomplete route %q %q", r.Method, r.Path))
		}
		methods, ok := rt.routes[r.Path]
		if !ok {
			methods = make(map[string]http.Handler)
			rt.routes[r.Path] = methods
		}
		method := strings.ToUpper(r.Method)
		if _, dup := methods[method]; dup {
			panic(fmt.Sprintf("router: duplicate route %s %s", method, r.Path))
		}
		methods[method] = r.Handler
	}
	return rt
}

// Routes returns the registered routes as "METHOD path", sorted
func (rt *Router) Routes() []string {
	var out []string
	for path, methods := range rt.routes {
		for method := range methods {
			out = append(out, method+" "+path)
		}
	}
	sort.Strings(out)
	return out
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	methods, ok := rt.routes[r.URL.Path]
	if !ok {
		_ = errors.WriteJSON(w, http.StatusNotFound, errors.WithDetails(
			errors.NewValidationError("no route for path"),
			map[string]interface{}{"path": r.URL.Path},
		))
		return
	}

	h, ok := methods[r.Method]
	if !ok && r.Method == http.MethodHead {
		h, ok = methods[http.MethodGet]
	}
	if !ok {
		w.Header().Set("Allow", allow(methods))
		_ = errors.WriteJSON(w, http.StatusMethodNotAllowed, errors.WithDetails(
			errors.NewValidationError("method not allowed"),
			map[string]interface{}{"method": r.Method, "path": r.URL.Path},
		))
		return
	}

	h.ServeHTTP(w, r)
}

func allow(methods map[string]http.Handler) string {
	list := make([]string, 0, len(methods)+1)
	for m := range methods {
		list = append(list, m)
	}
	if _, get := methods[http.MethodGet]; get {
		if _, head := methods[http.MethodHead]; !head {
			list = append(list, http.MethodHead)
		}
	}
	sort.Strings(list)
	return strings.Join(list, ", ")
}
