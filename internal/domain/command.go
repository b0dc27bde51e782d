package domain

// Command is the closed set of media commands the gateway can dispatch.
// Free text maps onto this set through the intent classifier; anything the
// classifier names that is not listed here parses as CommandUnknown and takes
// the conversational path.
type Command string

const (
	CommandColorCorrect Command = "color_correct"
	CommandAnalyze      Command = "analyze_video"
	CommandGenerate     Command = "generate_video"
	CommandTranscribe   Command = "transcribe"
	CommandTrim         Command = "trim_clip"
	CommandUnknown      Command = ""
)

var knownCommands = map[string]Command{
	string(CommandColorCorrect): CommandColorCorrect,
	string(CommandAnalyze):      CommandAnalyze,
	string(CommandGenerate):     CommandGenerate,
	string(CommandTranscribe):   CommandTranscribe,
	string(CommandTrim):         CommandTrim,
}

// ParseCommand maps a classifier-provided name onto the closed command set.
func ParseCommand(name string) Command {
	if cmd, ok := knownCommands[name]; ok {
		return cmd
	}
	return CommandUnknown
}

// Known reports whether the command is a member of the closed set.
func (c Command) Known() bool {
	return c != CommandUnknown
}
