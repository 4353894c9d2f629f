package notifx

import (
	"bytes"
	htmltemplate "html/template"
	"sync"
	texttemplate "text/template"
)

// Rendered holds both bodies of a rendered template.
type Rendered struct {
	HTML string
	Text string
}

type templatePair struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

// TemplateRegistry stores named templates, each with an HTML and an optional
// plain-text variant.
type TemplateRegistry struct {
	templates map[string]templatePair
	mu        sync.RWMutex
}

// NewTemplateRegistry creates a new template registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{
		templates: make(map[string]templatePair),
	}
}

// Register parses and stores a template by name. textTmpl may be empty.
func (r *TemplateRegistry) Register(name, htmlTmpl, textTmpl string) error {
	var pair templatePair

	h, err := htmltemplate.New(name).Parse(htmlTmpl)
	if err != nil {
		return notifxErrors.NewWithCause(ErrTemplateParse, err).WithDetail("template", name)
	}
	pair.html = h

	if textTmpl != "" {
		t, err := texttemplate.New(name).Parse(textTmpl)
		if err != nil {
			return notifxErrors.NewWithCause(ErrTemplateParse, err).
				WithDetail("template", name).
				WithDetail("variant", "text")
		}
		pair.text = t
	}

	r.mu.Lock()
	r.templates[name] = pair
	r.mu.Unlock()

	return nil
}

// Render executes a named template with the given data.
func (r *TemplateRegistry) Render(name string, data interface{}) (Rendered, error) {
	r.mu.RLock()
	pair, ok := r.templates[name]
	r.mu.RUnlock()

	if !ok {
		return Rendered{}, notifxErrors.New(ErrTemplateNotFound).WithDetail("template", name)
	}

	var out Rendered
	var buf bytes.Buffer
	if err := pair.html.Execute(&buf, data); err != nil {
		return Rendered{}, notifxErrors.NewWithCause(ErrTemplateRender, err).WithDetail("template", name)
	}
	out.HTML = buf.String()

	if pair.text != nil {
		buf.Reset()
		if err := pair.text.Execute(&buf, data); err != nil {
			return Rendered{}, notifxErrors.NewWithCause(ErrTemplateRender, err).WithDetail("template", name)
		}
		out.Text = buf.String()
	}

	return out, nil
}
