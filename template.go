package dispatch

import (
	"bytes"
	htmltemplate "html/template"
	"text/template"

	"github.com/pkg/errors"
)

// Template is the campaign's message template and sender identity, joined
// into every send batch.
type Template struct {
	Sender string `json:"sender"`

	Subject  string `json:"subject"`
	TextBody string `json:"textBody"`
	HtmlBody string `json:"htmlBody"`

	// TemplateRef and Locale name a provider-side template for channels
	// that only send pre-approved templates.
	TemplateRef string `json:"templateRef"`
	Locale      string `json:"locale"`
}

// Renderer renders campaign templates against recipient params.
type Renderer struct {
	funcs map[string]interface{}
}

func NewRenderer(funcs map[string]interface{}) Renderer {
	return Renderer{funcs: funcs}
}

// Text renders plain text bodies (sms, chat, subjects).
func (r Renderer) Text(body string, params map[string]interface{}) (string, error) {
	tpl, err := template.New("").Funcs(template.FuncMap(r.funcs)).Parse(body)
	if err != nil {
		return "", err
	}

	out := &bytes.Buffer{}

	if err := tpl.Execute(out, params); err != nil {
		return "", err
	}

	return out.String(), nil
}

// Html renders html bodies with contextual escaping of params.
func (r Renderer) Html(body string, params map[string]interface{}) (string, error) {
	tpl, err := htmltemplate.New("").Funcs(htmltemplate.FuncMap(r.funcs)).Parse(body)
	if err != nil {
		return "", err
	}

	out := &bytes.Buffer{}

	if err := tpl.Execute(out, params); err != nil {
		return "", err
	}

	return out.String(), nil
}

// Render renders subject, text and html parts of an email style template.
func (r Renderer) Render(tpl Template, params map[string]interface{}) (subject, text, html string, err error) {
	if subject, err = r.Text(tpl.Subject, params); err != nil {
		return "", "", "", errors.Wrap(err, "failed to parse subject")
	}

	if text, err = r.Text(tpl.TextBody, params); err != nil {
		return "", "", "", errors.Wrap(err, "failed to parse text body")
	}

	if tpl.HtmlBody != "" {
		if html, err = r.Html(tpl.HtmlBody, params); err != nil {
			return "", "", "", errors.Wrap(err, "failed to parse html body")
		}
	}

	return subject, text, html, nil
}
