package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/yllada/veilvpn/common"
)

// ReadSecret prompts on out and reads a secret from in. Terminal input is
// not echoed; piped input is read up to the first newline.
func ReadSecret(in io.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(raw), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// SetCredentials stores the secret for username, prompting for it.
func SetCredentials(store common.CredentialStore, username string, in io.Reader, out io.Writer) error {
	if strings.TrimSpace(username) == "" {
		return errors.New("username is required, set driver.username or pass --username")
	}
	secret, err := ReadSecret(in, out, fmt.Sprintf("Password for %s: ", username))
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("empty password, nothing stored")
	}
	if err := store.Store(username, secret); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Credentials saved for %s\n", username)
	return nil
}

// DeleteCredentials removes the stored secret for username.
func DeleteCredentials(store common.CredentialStore, username string, out io.Writer) error {
	if strings.TrimSpace(username) == "" {
		return errors.New("username is required, set driver.username or pass --username")
	}
	if err := store.Delete(username); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Credentials removed for %s\n", username)
	return nil
}
