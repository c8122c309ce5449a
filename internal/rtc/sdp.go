package rtc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/sdp/v3"
)

// PrioritizeAudio reorders an SDP so audio media sections come first and,
// within each audio section, Opus payload types lead the format list.
// Attribute lines are left untouched.
func PrioritizeAudio(raw string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return raw, fmt.Errorf("parse sdp: %w", err)
	}

	sort.SliceStable(desc.MediaDescriptions, func(i, j int) bool {
		return isAudio(desc.MediaDescriptions[i]) && !isAudio(desc.MediaDescriptions[j])
	})

	for _, md := range desc.MediaDescriptions {
		if !isAudio(md) {
			continue
		}
		opus := opusPayloadTypes(md)
		if len(opus) == 0 {
			continue
		}
		sort.SliceStable(md.MediaName.Formats, func(i, j int) bool {
			return opus[md.MediaName.Formats[i]] && !opus[md.MediaName.Formats[j]]
		})
	}

	out, err := desc.Marshal()
	if err != nil {
		return raw, fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

func isAudio(md *sdp.MediaDescription) bool {
	return md != nil && md.MediaName.Media == "audio"
}

// opusPayloadTypes collects payload types mapped to opus by a=rtpmap.
func opusPayloadTypes(md *sdp.MediaDescription) map[string]bool {
	pts := make(map[string]bool)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		// "<pt> <encoding>/<clock>[/<channels>]"
		pt, codec, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		if strings.HasPrefix(strings.ToLower(codec), "opus/") {
			pts[pt] = true
		}
	}
	return pts
}
