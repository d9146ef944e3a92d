package sshx

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidKey is returned when a private key matches none of the supported
// formats (OpenSSH, PKCS#8, PKCS#1/RSA, SEC1/EC).
var ErrInvalidKey = errors.New("sshx: private key matches no supported format")

// ParsePrivateKey tries each supported key format in sequence and returns a
// signer from the first format that accepts the material. Keys pasted into
// inventories come in whatever shape ssh-keygen or openssl produced them, so
// a single-format parse would reject perfectly good keys.
func ParsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	// The ssh package's own parser covers OpenSSH keys and the common PEM
	// containers in one call; try it first.
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
		if err == nil {
			return signer, nil
		}
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase == "" {
		return nil, fmt.Errorf("%w: key is encrypted and no passphrase given", ErrInvalidKey)
	}

	// Fall back to the raw x509 decoders for keys whose PEM type header the
	// ssh package does not recognize.
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return ssh.NewSignerFromKey(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return ssh.NewSignerFromKey(key)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ssh.NewSignerFromKey(key)
	}

	return nil, ErrInvalidKey
}
