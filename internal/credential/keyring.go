package credential

import (
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/cockroachdb/errors"
)

const serviceName = "incident-bridge"

// Reference prefixes accepted by Resolve.
const (
	KeyringPrefix = "keyring:"
	EnvPrefix     = "env:"
)

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/incident-bridge/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("incident-bridge-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", errors.Wrapf(err, "getting credential %q", key)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Label: serviceName + " " + key,
		Data:  []byte(value),
	})
	if err != nil {
		return errors.Wrapf(err, "setting credential %q", key)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(key); err != nil {
		return errors.Wrapf(err, "deleting credential %q", key)
	}

	return nil
}

// Resolver turns a secret reference into its value.
type Resolver func(ref string) (string, error)

// Resolve reads a secret reference from configuration: "keyring:<key>"
// looks the key up in the system keyring, "env:<VAR>" reads an environment
// variable, and anything else is returned as a literal.
func Resolve(ref string) (string, error) {
	return resolveWith(ref, Get, os.LookupEnv)
}

func resolveWith(
	ref string,
	get func(string) (string, error),
	lookupEnv func(string) (string, bool),
) (string, error) {
	switch {
	case strings.HasPrefix(ref, KeyringPrefix):
		return get(strings.TrimPrefix(ref, KeyringPrefix))
	case strings.HasPrefix(ref, EnvPrefix):
		name := strings.TrimPrefix(ref, EnvPrefix)
		value, ok := lookupEnv(name)
		if !ok {
			return "", errors.Newf("environment variable %s is not set", name)
		}
		return value, nil
	default:
		return ref, nil
	}
}

// Reference returns the config reference for a keyring key.
func Reference(key string) string {
	return KeyringPrefix + key
}
