package diag

import "strings"

// Codeblock is a command argument with an optional language tag.
type Codeblock struct {
	Language string
	Content  string
}

// ParseCodeblock strips a markdown fence or inline code span from arg.
// A fenced block's first line names the language when it is a single
// word; otherwise the whole inner text is content. Plain text passes
// through trimmed.
func ParseCodeblock(arg string) Codeblock {
	arg = strings.TrimSpace(arg)

	if len(arg) >= 6 && strings.HasPrefix(arg, "```") && strings.HasSuffix(arg, "```") {
		inner := arg[3 : len(arg)-3]
		first, rest, found := strings.Cut(inner, "\n")
		if found && first != "" && !strings.ContainsAny(first, " \t") {
			return Codeblock{Language: first, Content: strings.Trim(rest, "\n")}
		}
		return Codeblock{Content: strings.Trim(inner, "\n")}
	}

	if len(arg) >= 2 && strings.HasPrefix(arg, "`") && strings.HasSuffix(arg, "`") {
		return Codeblock{Content: strings.Trim(arg, "`")}
	}
	return Codeblock{Content: arg}
}
