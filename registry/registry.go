// Package registry implements the server-side method/class dispatch table:
// a name to handler mapping, resolved once per incoming request by the
// server package's serve loop. It is modeled on the teacher's
// rpc/server/registry.go (map + RWMutex + Register/Lookup), generalized
// from a fixed pkg/service/call key to aiorpc's flat method-name and
// dotted ClassName.method namespaces (aiorpc/server.py's module-level
// _methods / _class_methods dicts).
package registry

import (
	"reflect"
	"strings"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/choleraehyq/aiorpc/rpcerr"
)

// HandlerFunc is the signature every registered method, and every exported
// method of a registered class instance, must satisfy. args is the decoded
// argument array from the request frame; the returned value is packed as
// the response frame's result.
type HandlerFunc func(ctx context.Context, args []any) (any, error)

// Registry holds registered methods and class instances. The zero value is
// not usable; construct one with New.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]HandlerFunc
	classes map[string]reflect.Value
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		methods: make(map[string]HandlerFunc),
		classes: make(map[string]reflect.Value),
	}
}

// Register binds name to fn. It is an error to register the same name
// twice, matching aiorpc/server.py's register() raising
// MethodRegisteredError on a duplicate.
func (r *Registry) Register(ctx context.Context, name string, fn HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[name]; exists {
		return rpcerr.MethodRegistered(ctx, name)
	}
	if _, exists := r.classes[name]; exists {
		return rpcerr.MethodRegistered(ctx, name)
	}
	r.methods[name] = fn
	return nil
}

// RegisterClass binds name to instance. Incoming calls to "name.Method"
// dispatch to instance's exported Method, which must have the exact
// signature func(context.Context, []any) (any, error) — Go has no dynamic
// attribute lookup to fall back on the way aiorpc/server.py's
// register_class() does, so the contract is a fixed method shape resolved
// by reflection instead of arbitrary positional parameters.
func (r *Registry) RegisterClass(ctx context.Context, name string, instance any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[name]; exists {
		return rpcerr.MethodRegistered(ctx, name)
	}
	if _, exists := r.methods[name]; exists {
		return rpcerr.MethodRegistered(ctx, name)
	}
	r.classes[name] = reflect.ValueOf(instance)
	return nil
}

// Lookup resolves method to a callable HandlerFunc. Dotted names
// ("ClassName.Method") dispatch to a registered class instance's method;
// undotted names dispatch to a plain registered method. Lookup returns a
// *rpcerr.Error with CategoryMethodNotFound when no match exists,
// mirroring spec.md §4.3's resolve-before-dispatch contract.
func (r *Registry) Lookup(ctx context.Context, method string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !strings.Contains(method, ".") {
		fn, ok := r.methods[method]
		if !ok {
			return nil, rpcerr.MethodNotFound(ctx, method)
		}
		return fn, nil
	}

	className, methodName, _ := strings.Cut(method, ".")
	inst, ok := r.classes[className]
	if !ok {
		return nil, rpcerr.MethodNotFound(ctx, method)
	}

	m := inst.MethodByName(methodName)
	if !m.IsValid() {
		return nil, rpcerr.MethodNotFound(ctx, method)
	}
	fn, ok := m.Interface().(func(context.Context, []any) (any, error))
	if !ok {
		return nil, rpcerr.MethodNotFound(ctx, method)
	}
	return HandlerFunc(fn), nil
}
