// Package pemfile keeps the SSH host key of the console.
package pemfile

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/zond/mapscript"

	gossh "golang.org/x/crypto/ssh"
)

// Generate writes a new private host key to keyPath, and its public half in
// authorized_keys format to keyPath + ".pub".
func Generate(keyPath string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return mapscript.WithStack(err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "mapscript host key")
	if err != nil {
		return mapscript.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return mapscript.WithStack(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return mapscript.WithStack(err)
	}
	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		return mapscript.WithStack(err)
	}
	if err := os.WriteFile(keyPath+".pub", gossh.MarshalAuthorizedKey(sshPub), 0600); err != nil {
		return mapscript.WithStack(err)
	}
	return nil
}

// HostKey returns the PEM bytes of the host key at keyPath and its signer,
// generating the key first if there is none.
func HostKey(keyPath string) ([]byte, gossh.Signer, error) {
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := Generate(keyPath); err != nil {
			return nil, nil, err
		}
	} else if err != nil {
		return nil, nil, mapscript.WithStack(err)
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, mapscript.WithStack(err)
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, nil, mapscript.WithStack(err)
	}
	return pemBytes, signer, nil
}
