package peer

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// DefaultCodecPriority is the order in which video codecs are preferred when
// rewriting a description before it goes on the wire.
var DefaultCodecPriority = []string{"VP8", "H264"}

// FingerprintLength is how much of a session description identifies it for
// duplicate detection. The SDP preamble (version, origin, session id) differs
// per offer, so a fixed prefix is enough to tell two offers apart.
const FingerprintLength = 120

// Fingerprint returns the dedup key for a session description.
func Fingerprint(raw string) string {
	if len(raw) <= FingerprintLength {
		return raw
	}
	return raw[:FingerprintLength]
}

// RewriteSDP reorders the video media line's payload types so the first
// codec in priority that the description carries is listed first, and, when
// maxBitrateBps is positive, attaches a TIAS bandwidth hint to the video
// section. A description that cannot be parsed is returned unchanged.
func RewriteSDP(raw string, priority []string, maxBitrateBps int) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return raw
	}

	changed := false
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "video" {
			continue
		}
		if reorderFormats(media, priority) {
			changed = true
		}
		if maxBitrateBps > 0 {
			media.Bandwidth = []sdp.Bandwidth{{Type: "TIAS", Bandwidth: uint64(maxBitrateBps)}}
			changed = true
		}
		// Only the first video section carries the stream.
		break
	}
	if !changed {
		return raw
	}

	out, err := desc.Marshal()
	if err != nil {
		return raw
	}
	return string(out)
}

// reorderFormats moves every payload type mapped to the first matching
// priority codec to the front of the format list.
func reorderFormats(media *sdp.MediaDescription, priority []string) bool {
	for _, codec := range priority {
		preferred := payloadTypesFor(media, codec)
		if len(preferred) == 0 {
			continue
		}

		isPreferred := make(map[string]bool, len(preferred))
		for _, pt := range preferred {
			isPreferred[pt] = true
		}

		reordered := make([]string, 0, len(media.MediaName.Formats))
		reordered = append(reordered, preferred...)
		for _, pt := range media.MediaName.Formats {
			if !isPreferred[pt] {
				reordered = append(reordered, pt)
			}
		}
		if formatsEqual(media.MediaName.Formats, reordered) {
			return false
		}
		media.MediaName.Formats = reordered
		return true
	}
	return false
}

func payloadTypesFor(media *sdp.MediaDescription, codec string) []string {
	var out []string
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		// Value looks like "96 VP8/90000".
		fields := strings.SplitN(attr.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		name, _, _ := strings.Cut(fields[1], "/")
		if strings.EqualFold(name, codec) {
			out = append(out, fields[0])
		}
	}
	return out
}

func formatsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
