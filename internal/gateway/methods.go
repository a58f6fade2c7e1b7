package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// Handler runs one method call.
type Handler func(ctx context.Context, call *Call) (any, error)

// Guard decides whether a call may proceed.
type Guard func(ctx context.Context, call *Call) bool

// Node is an entry in a custom method tree: either a Leaf or a Namespace.
type Node interface {
	node()
}

// Namespace groups methods under a path segment. Child names are joined
// with ':' to form the method name.
type Namespace map[string]Node

func (Namespace) node() {}

type leaf struct {
	handler Handler
	opts    []MethodOption
}

func (leaf) node() {}

// Leaf declares a method with optional input schema, roles and guard.
func Leaf(handler Handler, opts ...MethodOption) Node {
	return leaf{handler: handler, opts: opts}
}

// Func declares a method from a plain function of its raw params.
func Func(fn func(ctx context.Context, params json.RawMessage) (any, error)) Node {
	return leaf{handler: func(ctx context.Context, call *Call) (any, error) {
		return fn(ctx, call.Params)
	}}
}

// MethodOption configures a Leaf.
type MethodOption func(*methodDef)

// WithInputSchema validates params against a JSON Schema before the handler
// runs.
func WithInputSchema(schema string) MethodOption {
	return func(d *methodDef) { d.schemaSource = schema }
}

// WithRoles requires the caller to hold at least one of roles.
func WithRoles(roles ...string) MethodOption {
	return func(d *methodDef) { d.roles = append(d.roles, roles...) }
}

// WithGuard adds a predicate checked after roles.
func WithGuard(guard Guard) MethodOption {
	return func(d *methodDef) { d.guard = guard }
}

// Call is the context handed to method handlers.
type Call struct {
	Method string
	Params json.RawMessage
	// Client is nil for one-shot HTTP callers.
	Client *transport.Client
	User   *models.User
}

// ClientID returns the calling client's id, or "".
func (c *Call) ClientID() string {
	if c.Client == nil {
		return ""
	}
	return c.Client.ID
}

// Bind decodes params into v. Missing params decode as an empty object.
func (c *Call) Bind(v any) error {
	raw := c.Params
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "invalid params for %s: %v", c.Method, err)
	}
	return nil
}

type methodDef struct {
	name         string
	handler      Handler
	schemaSource string
	schema       *jsonschema.Schema
	roles        []string
	guard        Guard
}

func (d *methodDef) invoke(ctx context.Context, call *Call) (any, error) {
	if len(d.roles) > 0 && !hasAnyRole(call.User, d.roles) {
		return nil, protocol.Errorf(protocol.CodeForbidden, "%s requires one of roles %v", d.name, d.roles)
	}
	if d.guard != nil && !d.guard(ctx, call) {
		return nil, protocol.Errorf(protocol.CodeForbidden, "%s denied", d.name)
	}
	if d.schema != nil {
		if err := validateParams(d.schema, call.Params); err != nil {
			return nil, err
		}
	}
	return d.handler(ctx, call)
}

func hasAnyRole(user *models.User, roles []string) bool {
	for _, role := range roles {
		if user.HasRole(role) {
			return true
		}
	}
	return false
}

// normalizeMethod maps dotted and colon paths to the same name.
func normalizeMethod(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), ".", ":")
}

// flattenMethods walks the tree once and returns the methods keyed by their
// joined path.
func flattenMethods(root Namespace, reserved map[string]Handler) (map[string]*methodDef, error) {
	out := make(map[string]*methodDef)
	if err := flattenInto(out, "", root, reserved); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out map[string]*methodDef, prefix string, ns Namespace, reserved map[string]Handler) error {
	names := make([]string, 0, len(ns))
	for name := range ns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		segment := strings.TrimSpace(name)
		if segment == "" || strings.ContainsAny(segment, ":.") {
			return fmt.Errorf("invalid method segment %q under %q", name, prefix)
		}
		path := segment
		if prefix != "" {
			path = prefix + ":" + segment
		}

		switch n := ns[name].(type) {
		case Namespace:
			if err := flattenInto(out, path, n, reserved); err != nil {
				return err
			}
		case leaf:
			if _, ok := reserved[path]; ok {
				return fmt.Errorf("method %q is reserved", path)
			}
			if _, ok := out[path]; ok {
				return fmt.Errorf("method %q registered twice", path)
			}
			if n.handler == nil {
				return fmt.Errorf("method %q has no handler", path)
			}
			def := &methodDef{name: path, handler: n.handler}
			for _, opt := range n.opts {
				opt(def)
			}
			if def.schemaSource != "" {
				compiled, err := jsonschema.CompileString(methodSchemaURL(path), def.schemaSource)
				if err != nil {
					return fmt.Errorf("compile schema for %q: %w", path, err)
				}
				def.schema = compiled
			}
			out[path] = def
		case nil:
			return fmt.Errorf("method %q is nil", path)
		default:
			return fmt.Errorf("method %q has unsupported node type %T", path, n)
		}
	}
	return nil
}

// methodSchemaURL names a method's schema resource. The compiler parses it as
// a URL, so ':' separators become path segments.
func methodSchemaURL(path string) string {
	segments := strings.Split(path, ":")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return "mem://methods/" + strings.Join(segments, "/")
}
