package router

import (
	"strings"
)

type RouteType int

const (
	// RouteToChannel sends the line as a message to the selected channel.
	RouteToChannel RouteType = iota
	RouteToCommand
)

// LiteralPrefix sends the rest of the line verbatim, so "::/shrug" posts
// "/shrug" instead of running a command.
const LiteralPrefix = "::"

type Route struct {
	Type    RouteType
	Command string
	Args    string
	Raw     string
}

var Commands = map[string]bool{
	"help":      true,
	"providers": true,
	"channels":  true,
	"select":    true,
	"history":   true,
	"send":      true,
	"reply":     true,
	"thread":    true,
	"read":      true,
	"unread":    true,
	"users":     true,
	"presence":  true,
	"dm":        true,
	"teams":     true,
}

func Parse(content string) Route {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "/") {
		cmd, args := parseCommand(content[1:])
		if Commands[cmd] {
			return Route{
				Type:    RouteToCommand,
				Command: cmd,
				Args:    args,
				Raw:     content,
			}
		}
		return Route{
			Type: RouteToChannel,
			Raw:  content,
		}
	}

	if strings.HasPrefix(content, LiteralPrefix) {
		return Route{
			Type: RouteToChannel,
			Raw:  strings.TrimPrefix(content, LiteralPrefix),
		}
	}

	return Route{
		Type: RouteToChannel,
		Raw:  content,
	}
}

// Fields splits command arguments on whitespace into at most n fields; the
// last field keeps the rest of the line. n <= 0 splits every field.
func Fields(args string, n int) []string {
	if n <= 0 {
		return strings.Fields(args)
	}
	var out []string
	rest := strings.TrimSpace(args)
	for rest != "" && len(out) < n-1 {
		head, tail, _ := strings.Cut(rest, " ")
		out = append(out, head)
		rest = strings.TrimSpace(tail)
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}

func parseCommand(s string) (cmd, args string) {
	parts := strings.SplitN(s, " ", 2)
	cmd = strings.ToLower(parts[0])
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return
}
