package contextbuilder

import (
	"fmt"
	"strings"
)

// Render formats the context as a single block of text suitable for
// injection into an LLM prompt.
func (c *BoundedContext) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "### Project\n%s\n", c.Summary.String())

	if len(c.History) > 0 {
		b.WriteString("### Conversation\n")
		for _, m := range c.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	if len(c.Files) > 0 {
		b.WriteString("### Files\n")
		for _, f := range c.Files {
			fmt.Fprintf(&b, "\n**%s** (%s)\n```\n%s\n```\n", f.Path, f.Reason, f.Content)
		}
		b.WriteString("\n")
	}

	if len(c.Omitted) > 0 {
		fmt.Fprintf(&b, "### Omitted (over budget)\n%s\n\n", strings.Join(c.Omitted, "\n"))
	}

	fmt.Fprintf(&b, "### Request\n%s\n", c.Prompt)
	return b.String()
}
