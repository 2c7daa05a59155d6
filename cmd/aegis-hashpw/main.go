// Command aegis-hashpw prints the bcrypt hash of a password so an operator
// can reset a locked-out account directly in the database. The password is
// read from a hidden prompt; passing it as an argument works for scripting
// but leaks into shell history.
package main

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	aegiserrors "github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/server/auth"
)

var readPassword = term.ReadPassword

func main() {
	password, err := resolvePassword(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := auth.ValidatePasswordComplexity(password); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", aegiserrors.Message(err))
		os.Exit(1)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", aegiserrors.Message(err))
		os.Exit(1)
	}

	fmt.Println(hash)
	fmt.Fprintln(os.Stderr, "\nApply with:")
	fmt.Fprintln(os.Stderr, "  UPDATE users SET pass_hash = '<hash>' WHERE email = '<email>';")
}

func resolvePassword(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}

	fmt.Fprint(os.Stderr, "Enter password: ")
	raw, err := readPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w (pass it as an argument when no terminal is attached)", err)
	}
	return string(raw), nil
}
