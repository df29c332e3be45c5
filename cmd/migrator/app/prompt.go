package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

var errNotConfirmed = errors.New("refusing to continue without confirmation, pass --yes")

// confirm asks "Continue? (yes/no)" unless --yes was given. Input that is not
// a terminal cannot confirm, so the command refuses to run.
func confirm(cmd *cobra.Command, action string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}
	if !isTerminal() {
		return false, errNotConfirmed
	}

	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "About to %s\n", action)
	fmt.Fprint(w, "Continue? (yes/no): ")

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}

	response := strings.ToLower(strings.TrimSpace(line))
	if response != "yes" && response != "y" {
		fmt.Fprintln(w, "Cancelled by user")
		return false, nil
	}
	return true, nil
}
