// Package terminal provides helpers for interactive prompts.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"atomicgo.dev/cursor"
	"golang.org/x/term"
)

// ClearPreviousLines erases a prompt and the answer typed after it.
// textLength is the prompt plus input length in characters; the number of
// wrapped lines is derived from the terminal width (80 when unknown), plus
// the empty line the cursor sits on after Enter.
func ClearPreviousLines(textLength int) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	cursor.StartOfLine()
	cursor.ClearLine()
	cursor.ClearLinesUp(LinesFor(textLength, width))
}

// LinesFor returns how many terminal lines textLength characters occupy at width.
func LinesFor(textLength, width int) int {
	if width <= 0 {
		width = 80
	}
	return max(1, (textLength+width-1)/width)
}

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ReadSecret prompts for a value without echoing it when stdin is a
// terminal, and reads a plain line otherwise.
func ReadSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	if IsInteractive() {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
