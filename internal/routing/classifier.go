package routing

import (
	"errors"
	"strings"
)

type RouteClass string

const (
	RouteClassInternalAPI RouteClass = "internal_api"
	RouteClassPublicAPI   RouteClass = "public_api"
	RouteClassAuthn       RouteClass = "authn"
	RouteClassOps         RouteClass = "ops"
	RouteClassDevOnly     RouteClass = "dev_only"
)

type Classifier struct {
	entrypoint     string
	allowExact     map[string]RouteClass
	allowTemplates []pathTemplateRoute
}

type pathTemplateRoute struct {
	template string
	rc       RouteClass
}

func NewClassifier(a Allowlist, entrypoint string) (*Classifier, error) {
	ep, ok := a.Entrypoints[entrypoint]
	if !ok {
		return nil, errors.New("allowlist: missing entrypoint")
	}
	if len(ep.Routes) == 0 {
		return nil, errors.New("allowlist: entrypoint routes empty")
	}

	exact := make(map[string]RouteClass, len(ep.Routes))
	var templates []pathTemplateRoute
	for _, r := range ep.Routes {
		if r.Path == "" || r.RouteClass == "" {
			return nil, errors.New("allowlist: invalid route")
		}
		if strings.ContainsAny(r.Path, "{}") {
			if !validPathTemplate(r.Path) {
				return nil, errors.New("allowlist: invalid path template")
			}
			templates = append(templates, pathTemplateRoute{template: r.Path, rc: RouteClass(r.RouteClass)})
			continue
		}
		exact[r.Path] = RouteClass(r.RouteClass)
	}
	return &Classifier{entrypoint: entrypoint, allowExact: exact, allowTemplates: templates}, nil
}

func (c *Classifier) Classify(path string) RouteClass {
	if rc, ok := c.allowExact[path]; ok {
		return rc
	}
	for _, t := range c.allowTemplates {
		if matchPathTemplate(t.template, path) {
			return t.rc
		}
	}

	switch {
	case path == "/health" || path == "/healthz":
		return RouteClassOps
	case hasPrefixSegment(path, "/api/v1"):
		return RouteClassPublicAPI
	case hasPrefixSegment(path, "/_dev"):
		return RouteClassDevOnly
	case isModuleInternalAPI(path):
		return RouteClassInternalAPI
	default:
		return RouteClassInternalAPI
	}
}

func hasPrefixSegment(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Allowlist paths may template single segments as {name}; a templated
// segment matches exactly one non-empty path segment. Anything else
// containing braces is a malformed route and rejected at load.

func validPathTemplate(raw string) bool {
	if len(raw) < 2 || raw[0] != '/' || strings.HasSuffix(raw, "/") {
		return false
	}
	for _, seg := range strings.Split(raw[1:], "/") {
		if seg == "" {
			return false
		}
		if strings.ContainsAny(seg, "{}") && !isTemplateSegment(seg) {
			return false
		}
	}
	return true
}

func isTemplateSegment(seg string) bool {
	return len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' &&
		!strings.ContainsAny(seg[1:len(seg)-1], "{}")
}

func matchPathTemplate(template, path string) bool {
	if len(path) < 2 || path[0] != '/' || strings.HasSuffix(path, "/") {
		return false
	}
	tmpl, rest := template[1:], path[1:]
	for tmpl != "" && rest != "" {
		tseg, tmore, _ := strings.Cut(tmpl, "/")
		pseg, pmore, _ := strings.Cut(rest, "/")
		if pseg == "" {
			return false
		}
		if !isTemplateSegment(tseg) && tseg != pseg {
			return false
		}
		tmpl, rest = tmore, pmore
	}
	return tmpl == "" && rest == ""
}

// isModuleInternalAPI matches /{module}/api/* with module a single
// segment.
func isModuleInternalAPI(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}
	rest := strings.TrimPrefix(path, "/")
	module, after, ok := strings.Cut(rest, "/")
	if !ok || module == "" {
		return false
	}
	return hasPrefixSegment("/"+after, "/api")
}
