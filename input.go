package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword reads without echo from a terminal. Replaced in tests.
var readPassword = term.ReadPassword

// stdinIsTerminal reports whether prompts can be read without echo.
var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

// promptSecret prints prompt to w and reads one secret. On a terminal the
// input is not echoed; otherwise one line is read from in, so scripts can
// pipe the password.
func promptSecret(in io.Reader, w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)

	if stdinIsTerminal() {
		pw, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(w)

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(pw), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading password: %w", err)
	}

	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("password must not be empty")
	}

	return secret, nil
}
