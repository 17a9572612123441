package usecase

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// CommandKind identifies a chat command recognised on text messages.
type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandBind
	CommandUnbind
	CommandStatus
)

// Command is a parsed chat command.
type Command struct {
	Kind     CommandKind
	Endpoint string
	Token    string
}

var (
	bindPattern   = regexp.MustCompile(`(?i)^bind\s+(\S+)\s+(\S+)$`)
	unbindPattern = regexp.MustCompile(`(?i)^unbind$`)
	statusPattern = regexp.MustCompile(`(?i)^status$`)
)

// ParseCommand matches the whole trimmed text against the command grammar.
// Anything that is not a command yields CommandNone.
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	if m := bindPattern.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandBind, Endpoint: m[1], Token: m[2]}
	}
	if unbindPattern.MatchString(text) {
		return Command{Kind: CommandUnbind}
	}
	if statusPattern.MatchString(text) {
		return Command{Kind: CommandStatus}
	}
	return Command{Kind: CommandNone}
}

// validateEndpoint accepts absolute http(s) URLs with a host.
func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return errors.New("endpoint must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("endpoint scheme must be http or https")
	}
	return nil
}

// maskToken keeps only the edges of a bearer token for display.
func maskToken(token string) string {
	r := []rune(token)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}
