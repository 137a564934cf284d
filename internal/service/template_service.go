// internal/service/template_service.go
package service

import (
    "strings"
    "time"

    "github.com/jaytaylor/html2text"
)

// RenderTemplate replaces {key} placeholders. Newsletters go out in Bcc so
// only newsletter-wide values can be substituted, never per-recipient ones.
func RenderTemplate(template string, data map[string]string) string {
    result := template
    for k, v := range data {
        result = strings.ReplaceAll(result, "{"+k+"}", v)
    }
    return result
}

// RenderContent fills the shared placeholders and derives the plain text
// alternative from the HTML body.
func RenderContent(subject, html string, now time.Time) Content {
    data := map[string]string{
        "date": now.Format("02.01.2006"),
        "year": now.Format("2006"),
    }
    c := Content{
        Subject: RenderTemplate(subject, data),
        HTML:    RenderTemplate(html, data),
    }
    text, err := html2text.FromString(c.HTML, html2text.Options{OmitLinks: false})
    if err == nil {
        c.Text = text
    }
    return c
}
