// Package fingerprint renders a tunnel's session digest in forms people can
// compare out of band: hex groups, emoji, or a terminal QR code. Both ends
// of a correctly keyed tunnel render identical fingerprints; a mismatch
// means the secret or the session name differs. The digest does not depend
// on the role, so it does not reveal two ends keyed with the same role.
package fingerprint

const hexDigits = "0123456789ABCDEF"

// Hex renders b as colon-separated hex byte pairs.
func Hex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := make([]byte, len(b)*3-1)
	for i, v := range b {
		pos := i * 3
		s[pos] = hexDigits[v>>4]
		s[pos+1] = hexDigits[v&0x0F]
		if i != len(b)-1 {
			s[pos+2] = ':'
		}
	}
	return string(s)
}
