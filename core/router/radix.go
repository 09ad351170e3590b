// Package router maps method and path to request handlers.
package router

import (
	"sort"
	"strings"

	"github.com/searchktools/fast-exchange/core/http"
)

// HandlerFunc defines the handler function type
type HandlerFunc func(*http.Request)

// RadixRouter is a tree of path segments with parameter support. At each
// level a static segment is preferred over ":param", and ":param" over
// "*catchAll".
type RadixRouter struct {
	root *node
}

type nodeType uint8

const (
	static   nodeType = iota // default
	param                    // :param
	catchAll                 // *param
)

type node struct {
	segment   string
	nType     nodeType
	paramName string
	children  map[string]*node // static children by segment
	param     *node
	catchAll  *node
	handlers  map[string]HandlerFunc // method -> handler
}

func NewRadixRouter() *RadixRouter {
	return &RadixRouter{root: &node{}}
}

// Add registers a route. It panics on malformed patterns, as route tables
// are built at startup.
func (r *RadixRouter) Add(method, path string, handler HandlerFunc) {
	if path == "" || path[0] != '/' {
		panic("path must begin with '/'")
	}
	n := r.root
	segs := split(path)
	for i, seg := range segs {
		switch seg[0] {
		case ':':
			if len(seg) < 2 {
				panic("wildcards must be named")
			}
			if n.param == nil {
				n.param = &node{segment: seg, nType: param, paramName: seg[1:]}
			} else if n.param.paramName != seg[1:] {
				panic("conflicting parameter names " + n.param.segment + " and " + seg)
			}
			n = n.param
		case '*':
			if len(seg) < 2 {
				panic("wildcards must be named")
			}
			if i != len(segs)-1 {
				panic("catch-all routes are only allowed at the end of the path")
			}
			if n.catchAll == nil {
				n.catchAll = &node{segment: seg, nType: catchAll, paramName: seg[1:]}
			}
			n = n.catchAll
		default:
			if strings.ContainsAny(seg, ":*") {
				panic("only one wildcard per path segment is allowed")
			}
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			child, ok := n.children[seg]
			if !ok {
				child = &node{segment: seg}
				n.children[seg] = child
			}
			n = child
		}
	}
	if n.handlers == nil {
		n.handlers = make(map[string]HandlerFunc)
	}
	n.handlers[method] = handler
}

func (r *RadixRouter) GET(path string, h HandlerFunc)    { r.Add("GET", path, h) }
func (r *RadixRouter) POST(path string, h HandlerFunc)   { r.Add("POST", path, h) }
func (r *RadixRouter) PUT(path string, h HandlerFunc)    { r.Add("PUT", path, h) }
func (r *RadixRouter) DELETE(path string, h HandlerFunc) { r.Add("DELETE", path, h) }

// Find finds a handler for the given method and path
func (r *RadixRouter) Find(method, path string) (HandlerFunc, map[string]string) {
	n, params := r.match(path)
	if n == nil {
		return nil, nil
	}
	h := n.handlers[method]
	if h == nil {
		return nil, nil
	}
	return h, params
}

// Allowed lists the methods registered for path, sorted.
func (r *RadixRouter) Allowed(path string) []string {
	n, _ := r.match(path)
	if n == nil {
		return nil
	}
	methods := make([]string, 0, len(n.handlers))
	for m := range n.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Serve dispatches r. Path parameters are stored on the request. Unknown
// paths get 404, known paths with another method get 405.
func (r *RadixRouter) Serve(req *http.Request) {
	path := req.URI().Path()
	h, params := r.Find(req.Method(), path)
	if h == nil {
		if allowed := r.Allowed(path); len(allowed) > 0 {
			req.OutSet("Allow", strings.Join(allowed, ", "))
			req.SendErrorMessage(http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		req.SendErrorMessage(http.StatusNotFound, "not found")
		return
	}
	for k, v := range params {
		req.SetParam(k, v)
	}
	h(req)
}

func (r *RadixRouter) match(path string) (*node, map[string]string) {
	params := make(map[string]string)
	n := r.root.lookup(split(path), params)
	if n == nil || len(n.handlers) == 0 {
		return nil, nil
	}
	if len(params) == 0 {
		params = nil
	}
	return n, params
}

func (n *node) lookup(segs []string, params map[string]string) *node {
	if len(segs) == 0 {
		if len(n.handlers) > 0 {
			return n
		}
		if n.catchAll != nil {
			params[n.catchAll.paramName] = ""
			return n.catchAll
		}
		return nil
	}

	seg := segs[0]
	if child, ok := n.children[seg]; ok {
		if found := child.lookup(segs[1:], params); found != nil {
			return found
		}
	}
	if n.param != nil && seg != "" {
		if found := n.param.lookup(segs[1:], params); found != nil {
			params[n.param.paramName] = seg
			return found
		}
	}
	if n.catchAll != nil {
		params[n.catchAll.paramName] = strings.Join(segs, "/")
		return n.catchAll
	}
	return nil
}

// split turns "/a/b" into ["a", "b"] and "/" into [].
func split(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
