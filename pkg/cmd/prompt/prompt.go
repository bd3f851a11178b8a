package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const userPrompt = "signature-trust> $ "

func PrintBanner(w io.Writer, version string) {
	if version == "" {
		version = "dev"
	}
	color.New(color.FgGreen).Fprintf(w, "Signature Trust Core v%s\n\n", version)
}

// Reads a secret from the terminal without echo. Falls back to a plain
// line read when stdin is not a terminal.
func Secret(w io.Writer, message string) (string, error) {
	fmt.Fprintf(w, "%s: \n", message)
	fmt.Fprint(w, userPrompt)
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return readLine(os.Stdin)
	}
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}

// Prompts for the one time code of a step-up method
func Code(w io.Writer, method string) (string, error) {
	return Secret(w, fmt.Sprintf("%s code", strings.ToUpper(method)))
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
