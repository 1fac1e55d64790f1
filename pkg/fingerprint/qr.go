package fingerprint

import (
	"bytes"

	"github.com/mdp/qrterminal/v3"
)

// QrCode renders the hex form of the digest as a terminal QR code.
func QrCode(digest []byte) []byte {
	var buffer bytes.Buffer
	qrterminal.Generate(Hex(digest), qrterminal.L, &buffer)
	return buffer.Bytes()
}
