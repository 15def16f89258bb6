// Package command routes in-chat commands. A message whose text starts
// with a configured prefix is handled here instead of being sent to the
// model.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/pkg/message"
)

// HandlerFunc executes one command invocation and returns the reply
// chain.
type HandlerFunc func(ctx context.Context, q *pipeline.Query, args []string) (message.MessageChain, error)

// Command is one registered command.
type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Handler     HandlerFunc
}

// PluginExecutor runs commands provided by plugins. The plugin
// connector implements it.
type PluginExecutor interface {
	ListCommands(ctx context.Context) ([]string, error)
	ExecuteCommand(ctx context.Context, name string, args []string, queryID uint64) ([]map[string]any, error)
}

// Registry holds the command set and the trigger prefixes.
type Registry struct {
	prefixes []string

	// Plugins, when set, is consulted for command names the registry
	// does not know.
	Plugins PluginExecutor

	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
}

// NewRegistry creates a registry triggered by the given prefixes.
func NewRegistry(prefixes []string) *Registry {
	return &Registry{
		prefixes: prefixes,
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
	}
}

// Register adds a command. Name and alias collisions are errors.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %s has no handler", cmd.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[cmd.Name]; ok {
		return fmt.Errorf("command %s already registered", cmd.Name)
	}
	for _, alias := range cmd.Aliases {
		if _, ok := r.aliases[alias]; ok {
			return fmt.Errorf("alias %s already registered", alias)
		}
	}
	r.commands[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		r.aliases[alias] = cmd.Name
	}
	return nil
}

// List returns the registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Match reports whether the text is a command invocation under any
// configured prefix, returning the command name and its arguments.
func (r *Registry) Match(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	for _, prefix := range r.prefixes {
		if prefix == "" || !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(trimmed, prefix))
		if len(fields) == 0 {
			return "", nil, false
		}
		return fields[0], fields[1:], true
	}
	return "", nil, false
}

// Execute runs a matched command. Unknown names fall through to the
// plugin executor; a miss there produces the unknown-command notice.
func (r *Registry) Execute(ctx context.Context, q *pipeline.Query, name string, args []string) (message.MessageChain, error) {
	r.mu.RLock()
	cmd, ok := r.commands[name]
	if !ok {
		if canonical, aliased := r.aliases[name]; aliased {
			cmd, ok = r.commands[canonical]
		}
	}
	r.mu.RUnlock()

	if ok {
		return cmd.Handler(ctx, q, args)
	}

	if r.Plugins != nil {
		frames, err := r.Plugins.ExecuteCommand(ctx, name, args, q.QueryID)
		if err == nil && len(frames) > 0 {
			return framesToChain(frames), nil
		}
		if err != nil {
			return nil, fmt.Errorf("plugin command %s: %w", name, err)
		}
	}

	return message.NewChain(message.Plain{
		Text: fmt.Sprintf("未知命令: %s，请发送 help 查看命令列表", name),
	}), nil
}

func framesToChain(frames []map[string]any) message.MessageChain {
	var b strings.Builder
	for _, frame := range frames {
		if text, ok := frame["text"].(string); ok && text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(text)
		}
	}
	return message.NewChain(message.Plain{Text: b.String()})
}
