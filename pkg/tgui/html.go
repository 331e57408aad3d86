package tgui

import (
	"fmt"
	"html"
	"strings"
)

// ParseModeHTML is the Telegram parse mode every H value is written for.
const ParseModeHTML = "HTML"

// H is HTML that is already safe to send with ParseModeHTML.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Link builds an HTML link; both text and url are escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Mention links to a Telegram user so the client notifies them.
// An empty name falls back to the numeric id so the link stays clickable.
func Mention(name string, userID int64) H {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("%d", userID)
	}
	return Link(name, fmt.Sprintf("tg://user?id=%d", userID))
}

// JoinH joins non-blank parts with sep (sep is escaped).
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, html.EscapeString(sep)))
}
