package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

var subjects = map[models.NoticeKind]string{
	models.NoticeWelcome:               "Welcome to the gym",
	models.NoticeRenewed:               "Your membership has been renewed",
	models.NoticeCancellationScheduled: "Your membership cancellation is scheduled",
	models.NoticeMembershipEnded:       "Your membership has ended",
	models.NoticePaymentFailed:         "Action needed: payment failed",
}

// TemplateData is the view model passed to every email template.
type TemplateData struct {
	Name      string
	PlanName  string
	PeriodEnd string
	Support   string
}

// Renderer renders notice emails from the embedded templates.
type Renderer struct {
	templates map[models.NoticeKind]*template.Template
}

// NewRenderer parses one template set per notice kind.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[models.NoticeKind]*template.Template, len(subjects))}
	for kind := range subjects {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+string(kind)+".html")
		if err != nil {
			return nil, fmt.Errorf("email: parse %s template: %w", kind, err)
		}
		r.templates[kind] = tmpl
	}
	return r, nil
}

// Subject returns the subject line for kind.
func Subject(kind models.NoticeKind) string {
	return subjects[kind]
}

// Render builds the message for kind addressed to the given recipient.
func (r *Renderer) Render(kind models.NoticeKind, to string, data TemplateData) (Message, error) {
	tmpl, ok := r.templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown notice kind %q", ErrInvalidParams, kind)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return Message{}, fmt.Errorf("email: render %s: %w", kind, err)
	}
	return Message{
		To:       to,
		Subject:  subjects[kind],
		HTMLBody: buf.String(),
		Tag:      string(kind),
	}, nil
}
