package broker

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Params are the named arguments of an action call.
type Params map[string]any

// String returns the named param as a string, or "" when absent or not a string.
func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Handler runs an action.
type Handler func(ctx context.Context, req *Request) (any, error)

// FallbackHandler replaces a handler error with a result.
type FallbackHandler func(ctx context.Context, req *Request, err error) (any, error)

// EventHandler receives broadcast events. sender is the node id of the publisher.
type EventHandler func(ctx context.Context, payload any, sender string)

// ParamRules declares the validation rules of each action param.
type ParamRules map[string][]validation.Rule

// CacheOptions marks an action result as cacheable. Keys lists the params that
// make up the cache key, in order. A key starting with "#" reads request meta.
type CacheOptions struct {
	Keys []string
}

// Action is one callable endpoint of a service.
type Action struct {
	Name     string
	Params   ParamRules
	Cache    *CacheOptions
	Handler  Handler
	Fallback FallbackHandler
}

// Service groups actions, event handlers and lifecycle hooks under a name.
type Service struct {
	Name     string
	Settings map[string]any
	Actions  map[string]*Action
	Events   map[string]EventHandler
	Started  func(ctx context.Context) error
	Stopped  func(ctx context.Context) error
}

// AddAction registers a, replacing any action with the same name.
func (s *Service) AddAction(a *Action) {
	if s.Actions == nil {
		s.Actions = make(map[string]*Action)
	}
	s.Actions[a.Name] = a
}

// Request is the per-call context handed to handlers.
type Request struct {
	Broker  *Broker
	Service *Service
	Action  *Action
	Params  Params
	Meta    map[string]any
}

// ActionName returns the fully qualified "<service>.<action>" name.
func (r *Request) ActionName() string {
	return r.Service.Name + "." + r.Action.Name
}

func (a *Action) validate(params Params) error {
	if len(a.Params) == 0 {
		return nil
	}

	errs := validation.Errors{}
	for name, rules := range a.Params {
		errs[name] = validation.Validate(params[name], rules...)
	}
	return errs.Filter()
}

func (a *Action) cacheValues(req *Request) []any {
	values := make([]any, len(a.Cache.Keys))
	for i, key := range a.Cache.Keys {
		if meta, ok := strings.CutPrefix(key, "#"); ok {
			values[i] = req.Meta[meta]
			continue
		}
		values[i] = req.Params[key]
	}
	return values
}

func splitActionName(name string) (service, action string, ok bool) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}
