package mqtt

import "strings"

// MatchTopic reports whether topic matches filter under MQTT 3.1.1 wildcard
// rules: '+' consumes exactly one topic segment, '#' (only valid as the
// final segment of filter) matches the remainder including zero segments,
// and any other segment must match literally. Malformed filters (a '#' that
// isn't the final segment) simply yield false — there is no error path.
func MatchTopic(topic, filter string) bool {
	if topic == "" || filter == "" {
		return false
	}

	topicSegs := strings.Split(topic, "/")
	filterSegs := strings.Split(filter, "/")

	i := 0
	for ; i < len(filterSegs); i++ {
		seg := filterSegs[i]
		if seg == "#" {
			return i == len(filterSegs)-1
		}
		if i >= len(topicSegs) {
			return false
		}
		if seg == "+" {
			continue
		}
		if seg != topicSegs[i] {
			return false
		}
	}

	return i == len(topicSegs)
}
