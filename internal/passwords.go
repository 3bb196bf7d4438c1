package internal

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sensiblebit/passkit/internal/config"
)

// defaultPassphrases are tried last: unencrypted containers and the
// keytool default.
var defaultPassphrases = []string{"", "changeit"}

// LoadPassphrasesFromFile loads passphrases from a file, one per line.
func LoadPassphrasesFromFile(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var passphrases []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if p := strings.TrimSpace(scanner.Text()); p != "" {
			passphrases = append(passphrases, p)
		}
	}
	return passphrases, scanner.Err()
}

// SignerPassphrases collects candidate passphrases for encrypted signer
// material in the order they are tried: the configured signer secrets, the
// explicit list, the file, then the defaults. Duplicates are dropped.
func SignerPassphrases(signer config.Signer, list []string, file string) ([]string, error) {
	candidates := []string{signer.KeyPassphrase, signer.P12Password, signer.JKSPassword}
	candidates = append(candidates, list...)
	if file != "" {
		fromFile, err := LoadPassphrasesFromFile(file)
		if err != nil {
			return nil, fmt.Errorf("loading passphrases from file: %w", err)
		}
		candidates = append(candidates, fromFile...)
	}
	candidates = append(candidates, defaultPassphrases...)

	seen := make(map[string]bool, len(candidates))
	var unique []string
	for i, p := range candidates {
		// Unset config secrets are skipped; "" is still tried via the defaults.
		if p == "" && i < 3 {
			continue
		}
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	return unique, nil
}
