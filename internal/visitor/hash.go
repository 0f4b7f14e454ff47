package visitor

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ComputeHash derives the visitor's stable 128-bit fingerprint hash from the
// canonical IP, raw user agent, the accept headers and the identifying parts
// of the fingerprint. Present parts are folded in a fixed order with NUL
// separators, so the same inputs always produce the same hash.
func ComputeHash(ip, userAgent string, headers map[string]string, fp *Fingerprint) string {
	h, _ := blake2b.New(16, nil)

	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(ip)
	write(userAgent)
	write(headers["accept"])
	write(headers["accept-language"])
	write(headers["accept-encoding"])

	if fp != nil {
		if fp.Canvas != nil {
			write(fp.Canvas.Hash)
		}
		if fp.WebGL != nil {
			write(fp.WebGL.Hash)
		}
		if fp.Audio != nil {
			write(fp.Audio.ContextHash)
		}
		if fp.Screen != nil {
			write(strconv.Itoa(fp.Screen.Width) + "x" + strconv.Itoa(fp.Screen.Height))
		}
		if fp.Environment != nil {
			write(fp.Environment.Timezone)
			write(fp.Environment.Platform)
			write(strings.Join(fp.Environment.Languages, ","))
		}
		write(fp.JA3)
	}

	return hex.EncodeToString(h.Sum(nil))
}
