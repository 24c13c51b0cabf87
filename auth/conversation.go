package auth

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Conversation is the pluggable prompt/message abstraction the gate's
// authenticate step drives, mirroring PAM's conversation function.
type Conversation interface {
	// PromptEchoOn asks msg and returns the user's visible reply.
	PromptEchoOn(msg string) (string, error)
	// PromptEchoOff asks msg and returns the user's reply without echoing
	// it to the terminal (password entry).
	PromptEchoOff(msg string) (string, error)
	// Info surfaces an informational message.
	Info(msg string)
	// Error surfaces an error message.
	Error(msg string)
}

// TTYConversation implements Conversation against a controlling terminal,
// reading echo-off input with golang.org/x/term and everything else with a
// plain buffered reader.
type TTYConversation struct {
	In  *os.File
	Out io.Writer
	Err io.Writer

	reader *bufio.Reader
}

// NewTTYConversation returns a TTYConversation reading from in and writing
// prompts/messages to out/errOut.
func NewTTYConversation(in *os.File, out, errOut io.Writer) *TTYConversation {
	return &TTYConversation{In: in, Out: out, Err: errOut, reader: bufio.NewReader(in)}
}

func (t *TTYConversation) PromptEchoOn(msg string) (string, error) {
	fmt.Fprint(t.Out, msg)
	line, err := t.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return trimNewline(line), nil
}

func (t *TTYConversation) PromptEchoOff(msg string) (string, error) {
	fmt.Fprint(t.Out, msg)
	fd := int(t.In.Fd())
	if !term.IsTerminal(fd) {
		return t.PromptEchoOn("")
	}
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(t.Out)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func (t *TTYConversation) Info(msg string) {
	fmt.Fprintln(t.Out, msg)
}

func (t *TTYConversation) Error(msg string) {
	fmt.Fprintln(t.Err, msg)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
