package dns

import (
	"encoding/hex"
	"strings"
)

// maxNameOctets is the wire-format limit on a DNS name: 255 octets
// including every length-prefix byte and the terminating zero.
const maxNameOctets = 255

// maxLabelBytes is the largest number of characters one DNS label may
// carry (spec.md §6 "split every 63 chars into labels").
const maxLabelBytes = 63

// encodeName hex-encodes payload, chunks it into labels of at most
// maxLabelBytes characters, and appends domainSuffix's own labels,
// producing the dot-joined name to place in a TXT question (spec.md §4.6,
// §6). It does not itself enforce the 255-octet budget — callers must
// keep payload within the length returned by maxPayloadBytes(domainSuffix)
// first, since the DNS adapter asserts that as a contract per spec.md §4.6.
func encodeName(payload []byte, domainSuffix string) string {
	encoded := hex.EncodeToString(payload) // lowercase, 2 chars/byte

	var labels []string
	for len(encoded) > 0 {
		n := maxLabelBytes
		if n > len(encoded) {
			n = len(encoded)
		}
		labels = append(labels, encoded[:n])
		encoded = encoded[n:]
	}
	labels = append(labels, strings.Split(domainSuffix, ".")...)
	return strings.Join(labels, ".")
}

// decodePayload reverses the hex half of encodeName: it takes the
// concatenated TXT character-string contents and hex-decodes them back
// into packet bytes.
func decodePayload(hexData string) ([]byte, error) {
	return hex.DecodeString(hexData)
}

// maxPayloadBytes computes max_packet_length for a domain suffix of the
// given length, per spec.md §4.6:
//
//	available = 255 − (1 + d + ceil(avail/63) + 1)
//	max_packet_length = available / 2   (hex expansion)
//
// avail appears on both sides, so the largest avail satisfying the
// inequality is found by scanning downward from an upper bound — the
// search space is at most 255 iterations and runs once per adapter
// construction, not per packet.
func maxPayloadBytes(domainSuffix string) int {
	d := len(domainSuffix)
	fixed := 1 + d + 1 // leading dot + suffix length + trailing null
	rem := maxNameOctets - fixed
	if rem <= 0 {
		return 0
	}

	for avail := rem; avail > 0; avail-- {
		labelDots := (avail + maxLabelBytes - 1) / maxLabelBytes
		if avail+labelDots <= rem {
			return avail / 2
		}
	}
	return 0
}
