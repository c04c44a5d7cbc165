package router

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/adamavenir/roost/internal/types"
)

// FormatMessages renders messages as the prompt block an invocation reads.
func FormatMessages(msgs []types.Message, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.Sender
		}
		fmt.Fprintf(&b, "<message sender=%q time=%q>%s</message>\n",
			html.EscapeString(name),
			time.UnixMilli(m.TS).In(loc).Format(time.RFC3339),
			html.EscapeString(m.Content))
	}
	b.WriteString("</messages>")
	return b.String()
}
