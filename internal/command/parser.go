// Package command interprets chat message text: built-in directives, session
// and preference commands, or a command for the agent.
package command

import (
	"regexp"
	"strings"

	"github.com/sjoeboo/relay/internal/logging"
)

// Kind identifies what a message asks for.
type Kind int

const (
	KindExecute Kind = iota
	KindBuiltin
	KindNewSession
	KindModel
	KindNotify
	KindAgent
)

func (k Kind) String() string {
	switch k {
	case KindExecute:
		return "execute"
	case KindBuiltin:
		return "builtin"
	case KindNewSession:
		return "new_session"
	case KindModel:
		return "model"
	case KindNotify:
		return "notify"
	case KindAgent:
		return "agent"
	}
	return "unknown"
}

// Built-in command names.
const (
	BuiltinHelp    = "help"
	BuiltinStatus  = "status"
	BuiltinHistory = "history"
	BuiltinClear   = "clear"
	BuiltinSend    = "send"
	BuiltinStop    = "stop"
)

var builtins = map[string]bool{
	BuiltinHelp:    true,
	BuiltinStatus:  true,
	BuiltinHistory: true,
	BuiltinClear:   true,
	BuiltinSend:    true,
	BuiltinStop:    true,
}

// ChatType distinguishes one-to-one chats from group chats.
type ChatType string

const (
	ChatDirect ChatType = "p2p"
	ChatGroup  ChatType = "group"
)

// Message is the text-bearing part of an inbound chat message.
type Message struct {
	Text string
	// Mentions holds the mention placeholders present in Text
	Mentions []string
	ChatType ChatType
}

// Intent is the interpretation of one message.
type Intent struct {
	Kind Kind

	// Builtin is the built-in name for KindBuiltin
	Builtin string

	// Arg is the argument of a built-in or of a /model, /notify or /agent
	// directive, lowercased for the latter two
	Arg string

	// Command is the text to run for KindExecute, or the optional follow-up
	// for KindNewSession
	Command string

	// Hint is set whenever Command is non-empty
	Hint Hint
}

// Options configure a Parser.
type Options struct {
	// Sigil prefixes built-in commands, "!" by default
	Sigil string

	// RequireMention ignores group messages without a mention
	RequireMention bool

	// Aliases are agent names accepted as "/<alias> <builtin>"
	Aliases []string
}

// Parser turns messages into intents.
type Parser struct {
	opts    Options
	aliases map[string]bool
}

// NewParser creates a Parser.
func NewParser(opts Options) *Parser {
	if opts.Sigil == "" {
		opts.Sigil = "!"
	}
	if opts.Aliases == nil {
		opts.Aliases = []string{"opencode", "oc"}
	}
	p := &Parser{opts: opts, aliases: make(map[string]bool)}
	for _, a := range opts.Aliases {
		p.aliases[strings.ToLower(a)] = true
	}
	return p
}

// Sigil returns the built-in prefix.
func (p *Parser) Sigil() string { return p.opts.Sigil }

var (
	atTagRe       = regexp.MustCompile(`(?s)<at\b[^>]*>.*?</at>`)
	mentionKeyRe  = regexp.MustCompile(`@_user_\d+`)
	horizSpacesRe = regexp.MustCompile(`[ \t]{2,}`)
)

// Parse interprets msg. It returns nil when the message should be ignored.
func (p *Parser) Parse(msg Message) *Intent {
	text := stripMentions(msg.Text, msg.Mentions)
	if msg.ChatType == ChatGroup && p.opts.RequireMention && len(msg.Mentions) == 0 {
		logging.ForComponent(logging.CompCommand).Debug("ignored_without_mention")
		return nil
	}
	if text == "" {
		return nil
	}

	text = p.rewriteAlias(text)

	if in := p.parseBuiltin(text); in != nil {
		return in
	}
	if in := parseNewSession(text); in != nil {
		return in
	}
	if arg, ok := directive(text, "/model"); ok {
		if arg == "" {
			arg = "current"
		}
		if l := strings.ToLower(arg); l == "list" || l == "current" || l == "reset" {
			arg = l
		}
		return &Intent{Kind: KindModel, Arg: arg}
	}
	if arg, ok := directive(text, "/notify"); ok {
		if arg == "" {
			arg = "current"
		}
		return &Intent{Kind: KindNotify, Arg: strings.ToLower(arg)}
	}
	if arg, ok := directive(text, "/agent"); ok {
		if arg == "" {
			arg = "current"
		}
		return &Intent{Kind: KindAgent, Arg: strings.ToLower(arg)}
	}
	return &Intent{Kind: KindExecute, Command: text, Hint: InferHint(text)}
}

func stripMentions(text string, mentions []string) string {
	text = atTagRe.ReplaceAllString(text, " ")
	for _, m := range mentions {
		if m != "" {
			text = strings.ReplaceAll(text, m, " ")
		}
	}
	text = mentionKeyRe.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(horizSpacesRe.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// rewriteAlias turns "/oc status" into "!status". Other alias uses lose the
// alias prefix.
func (p *Parser) rewriteAlias(text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if !p.aliases[strings.ToLower(head)] {
		return text
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return p.opts.Sigil + BuiltinHelp
	}
	name, _, _ := strings.Cut(rest, " ")
	if builtins[strings.ToLower(name)] {
		return p.opts.Sigil + rest
	}
	return rest
}

func (p *Parser) parseBuiltin(text string) *Intent {
	if !strings.HasPrefix(text, p.opts.Sigil) {
		return nil
	}
	body := strings.TrimSpace(text[len(p.opts.Sigil):])
	name, arg, _ := strings.Cut(body, " ")
	name = strings.ToLower(name)
	if !builtins[name] {
		return nil
	}
	return &Intent{Kind: KindBuiltin, Builtin: name, Arg: strings.TrimSpace(arg)}
}

// directive matches "<name>" or "<name> <arg>", case-insensitively.
func directive(text, name string) (string, bool) {
	if len(text) < len(name) || !strings.EqualFold(text[:len(name)], name) {
		return "", false
	}
	rest := text[len(name):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\n' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

var newSessionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:please\s+)?(?:start|open|begin|create)\s+(?:a\s+)?(?:new|fresh)\s+(?:session|conversation|context|chat)\b[\s,.:;!]*`),
	regexp.MustCompile(`(?i)^(?:please\s+)?(?:reset|clear)\s+(?:the\s+|this\s+)?(?:session|conversation|context)\b[\s,.:;!]*`),
	regexp.MustCompile(`(?i)^new\s+(?:session|conversation)\b[\s,.:;!]*`),
	regexp.MustCompile(`^(?:请)?(?:开始|开启|新建|创建|开)(?:一个)?新的?(?:会话|对话|上下文|session)[\s,，。:：;；!！]*`),
	regexp.MustCompile(`^(?:请)?(?:重置|清空|清除)(?:一下)?(?:当前的?)?(?:会话|对话|上下文)[\s,，。:：;；!！]*`),
}

func parseNewSession(text string) *Intent {
	if rest, ok := directive(text, "/new"); ok {
		return newSessionIntent(rest)
	}
	for _, re := range newSessionPatterns {
		if loc := re.FindStringIndex(text); loc != nil {
			return newSessionIntent(text[loc[1]:])
		}
	}
	return nil
}

func newSessionIntent(rest string) *Intent {
	rest = strings.TrimSpace(rest)
	in := &Intent{Kind: KindNewSession, Command: rest}
	if rest != "" {
		in.Hint = InferHint(rest)
	}
	return in
}
