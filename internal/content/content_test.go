package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

func TestRender_Variables(t *testing.T) {
	r := NewRenderer()
	sc := &domain.Spamcheck{ID: 9, Name: "Weekly", PlainText: true}
	acc := domain.Account{Email: "Jane@Example.com"}

	msg, err := r.Render(sc, acc, "Hello from {{ account.email | domain }}", "Hi {{ account.email | local_part }},\n{{ spamcheck.name }}")
	require.NoError(t, err)

	assert.Equal(t, "Hello from example.com", msg.Subject)
	assert.Equal(t, "Hi Jane,\nWeekly", msg.Body)
}

func TestRender_HTMLModeConvertsNewlines(t *testing.T) {
	r := NewRenderer()
	sc := &domain.Spamcheck{Name: "n"}

	msg, err := r.Render(sc, domain.Account{Email: "a@b.com"}, "s", "line one\nline two")
	require.NoError(t, err)
	assert.Equal(t, "line one<br>line two", msg.Body)
}

func TestRender_DefaultFilter(t *testing.T) {
	r := NewRenderer()
	msg, err := r.Render(&domain.Spamcheck{PlainText: true}, domain.Account{Email: "a@b.com"}, "{{ first_name | default: \"there\" }}", "")
	require.NoError(t, err)
	assert.Equal(t, "there", msg.Subject)
}

func TestRender_SyntaxError(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render(&domain.Spamcheck{}, domain.Account{Email: "a@b.com"}, "{% if account.email %}open", "")
	assert.Error(t, err)
	assert.Error(t, r.Validate("{% for x in items %}{{ x }}"))
	assert.NoError(t, r.Validate("plain {{ account.email }}"))
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p { color: red; }</style></head><body>
<p>Hello&nbsp;<b>there</b>,</p><p>Line one<br/>Line   two</p></body></html>`

	assert.Equal(t, "Hello there,\n\nLine one\nLine two", HTMLToText(in))
	assert.Equal(t, "", HTMLToText(""))
	assert.Equal(t, "plain", HTMLToText("plain"))
}

func TestHTMLToText_DropsScriptsAndSplitsBlocks(t *testing.T) {
	in := `<div>Hi<script>alert(1)</script></div><ul><li>One</li><li>Two</li></ul>`
	assert.Equal(t, "Hi\n\nOne\n\nTwo", HTMLToText(in))
}
