// Package command turns raw chat text into a normalized command triple.
// Parse is a total function: any input, including empty or megabyte
// strings, yields a value and never panics.
package command

import (
	"strings"

	"golang.org/x/text/width"
)

// Unknown is the sentinel command for unrecognized input.
const Unknown = "unknown"

// Parsed is the normalized intent extracted from raw text. Command is
// lower-cased and, for recognized commands, always carries the leading
// slash.
type Parsed struct {
	Command    string
	SubCommand string
	Args       map[string]string
	Tokens     []string
	Raw        string
}

// IsCommand reports whether the input resolved to a slash command.
func (p Parsed) IsCommand() bool {
	return strings.HasPrefix(p.Command, "/")
}

// Parser holds the immutable alias table mapping localized synonyms to
// canonical commands. Loaded once at startup and injected; never
// mutated afterwards.
type Parser struct {
	aliases map[string]string
}

func NewParser(aliases map[string]string) *Parser {
	merged := make(map[string]string, len(aliases))
	for k, v := range aliases {
		merged[strings.ToLower(k)] = v
	}
	return &Parser{aliases: merged}
}

// DefaultAliases is the built-in synonym table from the operator
// language plus bare English command words.
func DefaultAliases() map[string]string {
	return map[string]string{
		"狀態":   "/status",
		"系統狀態": "/status",
		"營收":   "/revenue",
		"用戶":   "/users",
		"點數":   "/points",
		"關鍵字":  "/keywords",
		"幫助":   "/help",
		"我":    "/me",
		"綁定":   "/bind",
		"核准":   "/approve",
		"同意":   "/approve",
		"拒絕":   "/reject",
		"待審批":  "/pending",
		"審批":   "/pending",

		"status":  "/status",
		"help":    "/help",
		"start":   "/start",
		"pending": "/pending",
	}
}

// Parse normalizes rawText into a Parsed command. Full-width CJK
// punctuation is folded to its narrow form first so "／status" and
// "/status" parse identically.
func (p *Parser) Parse(rawText string) Parsed {
	folded := width.Narrow.String(rawText)
	trimmed := strings.TrimSpace(folded)
	if trimmed == "" {
		return Parsed{Command: Unknown, Args: map[string]string{}, Raw: rawText}
	}

	if strings.HasPrefix(trimmed, "/") {
		return p.parseSlash(trimmed, rawText)
	}

	// Alias lookup happens before slash-normalization.
	first := strings.Fields(trimmed)[0]
	if canonical, ok := p.aliases[strings.ToLower(first)]; ok {
		rest := strings.TrimSpace(trimmed[len(first):])
		full := canonical
		if rest != "" {
			full += " " + rest
		}
		return p.parseSlash(full, rawText)
	}

	return Parsed{Command: Unknown, Args: map[string]string{}, Raw: rawText}
}

func (p *Parser) parseSlash(text, raw string) Parsed {
	parts := strings.Fields(text)
	out := Parsed{
		Command: strings.ToLower(parts[0]),
		Args:    map[string]string{},
		Raw:     raw,
	}
	if len(parts) > 1 {
		out.SubCommand = parts[1]
		out.Tokens = parts[1:]
	}

	at := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}

	// Argument shapes per command; everything else keeps bare tokens.
	switch out.Command {
	case "/feature":
		// /feature on ai_secretary
		if v := at(2); v != "" {
			out.Args["key"] = v
		}
	case "/ai":
		// /ai switch chat_general gpt-4o nim
		if out.SubCommand == "switch" {
			if v := at(2); v != "" {
				out.Args["route"] = v
			}
			if v := at(3); v != "" {
				out.Args["model"] = v
			}
			if v := at(4); v != "" {
				out.Args["provider"] = v
			}
		}
	case "/users", "/kyc":
		// /users ban abc-123
		if v := at(2); v != "" {
			out.Args["target_id"] = v
		}
	case "/refund":
		// /refund order-123
		if out.SubCommand != "" {
			out.Args["order_id"] = out.SubCommand
		}
	case "/points":
		// /points grant user-123 500
		if v := at(2); v != "" {
			out.Args["target_id"] = v
		}
		if v := at(3); v != "" {
			out.Args["amount"] = v
		}
	case "/seo", "/scan":
		// /scan example.com  |  /seo scan example.com
		if out.SubCommand != "" && at(2) == "" {
			out.Args["domain"] = out.SubCommand
		} else if v := at(2); v != "" {
			out.Args["domain"] = v
		}
	case "/keywords":
		if out.SubCommand != "" {
			out.Args["domain"] = out.SubCommand
		}
	case "/l2":
		out.Args["l1_code"] = listTarget(out.SubCommand, at(2))
	case "/l3":
		out.Args["l2_code"] = listTarget(out.SubCommand, at(2))
	case "/l4":
		out.Args["l3_code"] = listTarget(out.SubCommand, at(2))
	case "/path":
		// /path check l1 l2 l3 l4
		if v := at(2); v != "" {
			out.Args["l1_id"] = v
		}
		if v := at(3); v != "" {
			out.Args["l2_id"] = v
		}
		if v := at(4); v != "" {
			out.Args["l3_id"] = v
		}
		if v := at(5); v != "" {
			out.Args["l4_id"] = v
		}
	case "/bind":
		if out.SubCommand != "" {
			out.Args["email"] = out.SubCommand
		}
	case "/approve":
		// /approve ABC123 [reason...]
		if out.SubCommand != "" {
			out.Args["code"] = out.SubCommand
		}
		if len(parts) > 2 {
			out.Args["reason"] = strings.Join(parts[2:], " ")
		}
	case "/reject":
		// /reject ABC123 reason...
		if out.SubCommand != "" {
			out.Args["code"] = out.SubCommand
		}
		if len(parts) > 2 {
			out.Args["reason"] = strings.Join(parts[2:], " ")
		}
	}

	if m, ok := out.Args["l1_code"]; ok && m == "" {
		delete(out.Args, "l1_code")
	}
	if m, ok := out.Args["l2_code"]; ok && m == "" {
		delete(out.Args, "l2_code")
	}
	if m, ok := out.Args["l3_code"]; ok && m == "" {
		delete(out.Args, "l3_code")
	}
	return out
}

// listTarget handles the "/l2 list A01" and "/l2 A01" forms.
func listTarget(sub, third string) string {
	if sub == "list" {
		return third
	}
	return sub
}
