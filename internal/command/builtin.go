package command

import (
	"context"
	"strings"

	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/pkg/message"
)

// RegisterBuiltins installs the built-in command set: help, reset and
// the plugin command listing.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Command{
		{
			Name:        "help",
			Aliases:     []string{"h"},
			Usage:       "help",
			Description: "列出可用命令",
			Handler:     r.helpCommand,
		},
		{
			Name:        "reset",
			Usage:       "reset",
			Description: "开始新的对话",
			Handler:     resetCommand,
		},
		{
			Name:        "list",
			Usage:       "list",
			Description: "列出插件提供的命令",
			Handler:     r.listCommand,
		},
	}
	for _, cmd := range builtins {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) helpCommand(ctx context.Context, q *pipeline.Query, args []string) (message.MessageChain, error) {
	var b strings.Builder
	b.WriteString("可用命令:\n")
	for _, cmd := range r.List() {
		b.WriteString(cmd.Name)
		if cmd.Description != "" {
			b.WriteString(" - ")
			b.WriteString(cmd.Description)
		}
		b.WriteString("\n")
	}
	return message.NewChain(message.Plain{Text: strings.TrimRight(b.String(), "\n")}), nil
}

// resetCommand rotates the active conversation so the next message
// starts a fresh one.
func resetCommand(ctx context.Context, q *pipeline.Query, args []string) (message.MessageChain, error) {
	if q.Session != nil {
		q.Session.Lock()
		q.Session.Reset()
		q.Session.Unlock()
	}
	return message.NewChain(message.Plain{Text: "已开始新的对话"}), nil
}

func (r *Registry) listCommand(ctx context.Context, q *pipeline.Query, args []string) (message.MessageChain, error) {
	if r.Plugins == nil {
		return message.NewChain(message.Plain{Text: "插件系统未启用"}), nil
	}
	names, err := r.Plugins.ListCommands(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return message.NewChain(message.Plain{Text: "没有插件命令"}), nil
	}
	return message.NewChain(message.Plain{Text: "插件命令: " + strings.Join(names, ", ")}), nil
}
