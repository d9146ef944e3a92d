// updeck-secret encrypts credential values for the hosts inventory. It reads
// the plaintext from stdin (or the first argument) and prints an "enc:v1:"
// blob suitable for the key, key_passphrase and password inventory fields.
//
//	UPDECK_MASTER_KEY=... updeck-secret < id_ed25519
//	UPDECK_MASTER_KEY=... updeck-secret 'hunter2'
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/updeck/updeck/internal/secrets"
)

func main() {
	master := os.Getenv("UPDECK_MASTER_KEY")
	if master == "" {
		fmt.Fprintln(os.Stderr, "updeck-secret: UPDECK_MASTER_KEY is not set")
		os.Exit(1)
	}

	plaintext, err := readPlaintext()
	if err != nil {
		fmt.Fprintln(os.Stderr, "updeck-secret:", err)
		os.Exit(1)
	}
	if plaintext == "" {
		fmt.Fprintln(os.Stderr, "updeck-secret: nothing to encrypt")
		os.Exit(1)
	}

	blob, err := secrets.NewResolver(master).Encrypt(plaintext)
	if err != nil {
		fmt.Fprintln(os.Stderr, "updeck-secret:", err)
		os.Exit(1)
	}
	fmt.Println(blob)
}

func readPlaintext() (string, error) {
	if len(os.Args) > 1 {
		return os.Args[1], nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	// Shell heredocs and echo append a trailing newline that is almost never
	// part of the secret. Key material keeps its inner newlines.
	return strings.TrimRight(string(data), "\n"), nil
}
