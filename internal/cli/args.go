// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// ArgParser splits raw arguments into flags and positionals. It accepts
// --flag value, --flag=value, -f value and bare boolean flags. Names listed
// as boolean never consume the following argument.
type ArgParser struct {
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
}

// NewArgParser parses raw. boolNames lists the flags that take no value.
func NewArgParser(raw []string, boolNames ...string) *ArgParser {
	isBool := make(map[string]bool, len(boolNames))
	for _, n := range boolNames {
		isBool[n] = true
	}
	p := &ArgParser{
		flags:     make(map[string]string),
		boolFlags: make(map[string]bool),
	}

	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		if arg == "--" {
			p.positional = append(p.positional, raw[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			p.positional = append(p.positional, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if n, v, ok := strings.Cut(name, "="); ok {
			if isBool[n] {
				p.boolFlags[n] = v == "true"
			} else {
				p.flags[n] = v
			}
			continue
		}
		if !isBool[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
			p.flags[name] = raw[i+1]
			i++
			continue
		}
		p.boolFlags[name] = true
	}
	return p
}

// Flag returns the value of a string flag, trying each name in turn.
func (p *ArgParser) Flag(names ...string) string {
	for _, n := range names {
		if v, ok := p.flags[n]; ok {
			return v
		}
	}
	return ""
}

// BoolFlag reports whether any of names was given.
func (p *ArgParser) BoolFlag(names ...string) bool {
	for _, n := range names {
		if p.boolFlags[n] {
			return true
		}
	}
	return false
}

// Positional returns the positional argument at index, or "".
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// =============================================================================
// COMMANDS
// =============================================================================

// Command is a top-level parley command.
type Command int

const (
	CmdChat Command = iota
	CmdServe
	CmdConversations
	CmdConfig
	CmdHelp
	CmdVersion
)

// Args are the parsed command-line arguments.
type Args struct {
	// Global
	ConfigPath string
	BackendURL string
	LogLevel   string

	// chat
	Open     string
	NoPicker bool

	// serve
	Listen    string
	DBPath    string
	Generator string

	// conversations, config
	Sub    string
	Target string
	JSON   bool
	Force  bool
}

// Parse turns os.Args[1:] into a command. No command means chat.
func Parse(raw []string) (Command, Args, error) {
	p := NewArgParser(raw, "json", "force", "f", "no-picker", "help", "h", "version", "v")
	args := Args{
		ConfigPath: p.Flag("config", "c"),
		BackendURL: p.Flag("backend", "b"),
		LogLevel:   p.Flag("log-level"),
		Open:       p.Flag("open", "o"),
		NoPicker:   p.BoolFlag("no-picker"),
		Listen:     p.Flag("listen", "l"),
		DBPath:     p.Flag("db"),
		Generator:  p.Flag("generator", "g"),
		JSON:       p.BoolFlag("json"),
		Force:      p.BoolFlag("force", "f"),
	}
	if p.BoolFlag("version", "v") {
		return CmdVersion, args, nil
	}
	if p.BoolFlag("help", "h") {
		return CmdHelp, args, nil
	}

	switch cmd := strings.ToLower(p.Positional(0)); cmd {
	case "", "chat":
		return CmdChat, args, nil
	case "serve", "server":
		return CmdServe, args, nil
	case "conversations", "conv", "c":
		args.Sub = strings.ToLower(p.Positional(1))
		if args.Sub == "" {
			args.Sub = "list"
		}
		args.Target = p.Positional(2)
		switch args.Sub {
		case "list", "ls":
			args.Sub = "list"
		case "show", "delete", "rm":
			if args.Sub == "rm" {
				args.Sub = "delete"
			}
			if args.Target == "" {
				return CmdConversations, args, fmt.Errorf("conversations %s needs a conversation (# or id)", args.Sub)
			}
		default:
			return CmdConversations, args, fmt.Errorf("unknown conversations subcommand %q", args.Sub)
		}
		return CmdConversations, args, nil
	case "config":
		args.Sub = strings.ToLower(p.Positional(1))
		switch args.Sub {
		case "":
			args.Sub = "show"
		case "init", "show", "path":
		default:
			return CmdConfig, args, fmt.Errorf("unknown config subcommand %q", args.Sub)
		}
		return CmdConfig, args, nil
	case "help":
		return CmdHelp, args, nil
	case "version":
		return CmdVersion, args, nil
	default:
		return CmdHelp, args, fmt.Errorf("unknown command %q", cmd)
	}
}

// Usage is the top-level help text.
const Usage = `parley - streaming multi-entity chat

Usage:
  parley [chat] [--open <#|id>] [--no-picker]
  parley serve [--listen addr] [--db path] [--generator echo|openai]
  parley conversations [list [--json] | show <#|id> | delete <#|id>]
  parley config [show | path | init [--json] [--force]]

Global flags:
  --config, -c <path>    Config file (default ~/.parley/config.toml)
  --backend, -b <url>    Backend URL for chat and conversations
  --log-level <level>    debug, info, warn or error
  --help, -h             Show this help
  --version, -v          Show the version`
