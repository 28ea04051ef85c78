package ssh

import (
	"os"

	cssh "golang.org/x/crypto/ssh"

	"github.com/cznic/blockit/bkerr"
)

func loadSigner(path string) (cssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, bkerr.Newf("ssh.loadSigner", bkerr.IOError, err)
	}
	signer, err := cssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, bkerr.Newf("ssh.loadSigner", bkerr.InvalidArgument, err)
	}
	return signer, nil
}
