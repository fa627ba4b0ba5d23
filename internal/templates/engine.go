// Package templates renders the built-in HTML emails and ad hoc subject/body
// substitutions with the Liquid template language.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

//go:embed html/*.html
var files embed.FS

// Kind names a built-in template.
type Kind string

const (
	KindWelcome      Kind = "welcome"
	KindNotification Kind = "notification"
	KindOTP          Kind = "otp"
)

// Kinds lists the built-in templates.
func Kinds() []Kind { return []Kind{KindWelcome, KindNotification, KindOTP} }

// ErrUnknownTemplate is returned for a kind with no built-in template.
var ErrUnknownTemplate = errors.New("templates: unknown template")

type style struct {
	color string
	icon  string
}

// Notification header styles by type; unknown types fall back to info.
var notificationStyles = map[string]style{
	"info":    {color: "#3b82f6", icon: "ℹ️"},
	"success": {color: "#10b981", icon: "✅"},
	"warning": {color: "#f59e0b", icon: "⚠️"},
	"error":   {color: "#ef4444", icon: "❌"},
}

// Engine holds the parsed built-ins and a cache of ad hoc templates.
type Engine struct {
	engine   *liquid.Engine
	builtins map[Kind]*liquid.Template
	cache    sync.Map // source -> *liquid.Template
}

// New parses the embedded templates.
func New() (*Engine, error) {
	e := &Engine{
		engine:   liquid.NewEngine(),
		builtins: make(map[Kind]*liquid.Template),
	}
	for _, kind := range Kinds() {
		src, err := files.ReadFile("html/" + string(kind) + ".html")
		if err != nil {
			return nil, fmt.Errorf("reading %s template: %w", kind, err)
		}
		tpl, perr := e.engine.ParseString(string(src))
		if perr != nil {
			return nil, fmt.Errorf("parsing %s template: %w", kind, perr)
		}
		e.builtins[kind] = tpl
	}
	return e, nil
}

// Render fills a built-in template.
func (e *Engine) Render(kind Kind, data map[string]any) (string, error) {
	tpl, ok := e.builtins[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, kind)
	}

	bindings := make(liquid.Bindings, len(data)+3)
	for k, v := range data {
		bindings[k] = v
	}
	switch kind {
	case KindNotification:
		s, ok := notificationStyles[fmt.Sprint(bindings["type"])]
		if !ok {
			s = notificationStyles["info"]
		}
		bindings["color"], bindings["icon"] = s.color, s.icon
	case KindOTP:
		bindings["digits"] = digits(bindings["otp"])
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("rendering %s template: %w", kind, err)
	}
	return out, nil
}

// RenderString renders an ad hoc Liquid source such as "Hello {{name}}".
// Missing variables render as empty strings.
func (e *Engine) RenderString(src string, data map[string]any) (string, error) {
	var tpl *liquid.Template
	if cached, ok := e.cache.Load(src); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := e.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("parsing template: %w", err)
		}
		e.cache.Store(src, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(data)
	if err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}
	return out, nil
}

func digits(v any) []string {
	if v == nil {
		return nil
	}
	s := fmt.Sprint(v)
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
