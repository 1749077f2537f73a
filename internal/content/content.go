// Package content renders the subject and body of test emails using Liquid
// templates, and converts fetched campaign copy from HTML to text.
package content

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/osteele/liquid"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// Renderer renders spamcheck copy per account. Parsed templates are cached
// by their source text.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// Message is the rendered copy for one account.
type Message struct {
	Subject string
	Body    string
}

// NewRenderer creates a renderer with the filters used by spamcheck copy.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}

	// {{ account.email | domain }}
	r.engine.RegisterFilter("domain", func(s string) string {
		return domain.EmailDomain(s)
	})

	// {{ account.email | local_part }}
	r.engine.RegisterFilter("local_part", func(s string) string {
		if at := strings.LastIndex(s, "@"); at > 0 {
			return s[:at]
		}
		return s
	})

	// {{ first_name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && s == "" {
			return fallback
		}
		return value
	})

	return r
}

// Validate parses tpl and reports syntax errors.
func (r *Renderer) Validate(tpl string) error {
	_, err := r.parse(tpl)
	return err
}

func (r *Renderer) parse(src string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	r.cache.Store(src, tpl)
	return tpl, nil
}

func (r *Renderer) render(src string, vars map[string]interface{}) (string, error) {
	if !strings.Contains(src, "{{") && !strings.Contains(src, "{%") {
		return src, nil
	}
	tpl, err := r.parse(src)
	if err != nil {
		return "", err
	}
	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", err
	}
	return out, nil
}

// Render produces the subject and body sent from account for sc. In HTML
// mode newlines in the body become <br> tags.
func (r *Renderer) Render(sc *domain.Spamcheck, account domain.Account, subject, body string) (Message, error) {
	vars := Vars(sc, account)

	s, err := r.render(subject, vars)
	if err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	b, err := r.render(body, vars)
	if err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	if !sc.PlainText {
		b = strings.ReplaceAll(b, "\n", "<br>")
	}
	return Message{Subject: strings.TrimSpace(s), Body: b}, nil
}

// Vars builds the template context for one account.
func Vars(sc *domain.Spamcheck, account domain.Account) map[string]interface{} {
	return map[string]interface{}{
		"account": map[string]interface{}{
			"email":  account.Email,
			"domain": account.Domain(),
		},
		"spamcheck": map[string]interface{}{
			"id":   sc.ID,
			"name": sc.Name,
		},
		"organization_id": sc.OrganizationID,
		"cycle":           sc.Cycle,
	}
}

var blockElements = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "table": true, "ul": true, "ol": true,
	"blockquote": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// HTMLToText converts campaign HTML into plain text. Block elements end a
// paragraph, <br> ends a line and scripts and styles are dropped.
func HTMLToText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("script, style").Remove()

	var b strings.Builder
	writeText(&b, doc.Find("body"))
	return tidy(b.String())
}

func writeText(b *strings.Builder, sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		switch name := goquery.NodeName(c); {
		case name == "#text":
			b.WriteString(collapseSpace(c.Text()))
		case name == "br":
			b.WriteString("\n")
		case blockElements[name]:
			b.WriteString("\n")
			writeText(b, c)
			b.WriteString("\n\n")
		default:
			writeText(b, c)
		}
	})
}

// collapseSpace folds whitespace runs, non-breaking spaces included, into
// one space. Source line breaks are not text line breaks.
func collapseSpace(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	if space {
		b.WriteByte(' ')
	}
	return b.String()
}

// tidy trims every line and keeps at most one blank line between paragraphs.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	s = strings.Join(lines, "\n")
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
