// Package sanitize pre-processes operator text before it leaves the client.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Func transforms raw input into the text that is actually sent.
type Func func(string) string

var strict = bluemonday.StrictPolicy()

// Text strips all markup from s and decodes entities, leaving plain text.
func Text(s string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

// None returns s unchanged.
func None(s string) string { return s }
