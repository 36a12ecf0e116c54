package commands

import (
	"strconv"
	"strings"
)

const helpText = `Commands:
  /help                 Show this message
  /new                  Start a new session
  /list                 List sessions
  /switch <n|id>        Switch to a session
  /delete [n|id]        Delete a session (default: the active one)
  /history              Show the active transcript with message indexes
  /edit <index> <text>  Replace a message and rerun from there
  /stop                 Stop the running reply
  /pause                Pause the running reply at a checkpoint
  /resume               Resume a paused reply
  /exit                 Quit`

type commandKind int

const (
	cmdUnknown commandKind = iota
	cmdHelp
	cmdExit
	cmdNew
	cmdList
	cmdSwitch
	cmdDelete
	cmdHistory
	cmdEdit
	cmdStop
	cmdPause
	cmdResume
)

type slashCommand struct {
	Kind  commandKind
	Arg   string
	Index int
	Text  string
}

func parseCommand(input string) slashCommand {
	parts := strings.Fields(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if len(parts) == 0 {
		return slashCommand{Kind: cmdUnknown, Arg: input}
	}
	arg := strings.Join(parts[1:], " ")
	switch parts[0] {
	case "help", "?":
		return slashCommand{Kind: cmdHelp}
	case "exit", "quit":
		return slashCommand{Kind: cmdExit}
	case "new":
		return slashCommand{Kind: cmdNew}
	case "list", "ls":
		return slashCommand{Kind: cmdList}
	case "switch":
		if arg == "" {
			return slashCommand{Kind: cmdUnknown, Arg: input}
		}
		return slashCommand{Kind: cmdSwitch, Arg: arg}
	case "delete", "rm":
		return slashCommand{Kind: cmdDelete, Arg: arg}
	case "history":
		return slashCommand{Kind: cmdHistory}
	case "edit":
		if len(parts) < 3 {
			return slashCommand{Kind: cmdUnknown, Arg: input}
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil {
			return slashCommand{Kind: cmdUnknown, Arg: input}
		}
		return slashCommand{Kind: cmdEdit, Index: idx, Text: strings.Join(parts[2:], " ")}
	case "stop":
		return slashCommand{Kind: cmdStop}
	case "pause":
		return slashCommand{Kind: cmdPause}
	case "resume":
		return slashCommand{Kind: cmdResume}
	default:
		return slashCommand{Kind: cmdUnknown, Arg: input}
	}
}
