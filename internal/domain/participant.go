package domain

import (
	"fmt"
	"strconv"
)

// ParticipantID is the provider-assigned identifier of a call member.
// Providers hand out numeric or string ids; both are kept as strings.
type ParticipantID string

func ParticipantIDFrom(v any) ParticipantID {
	switch id := v.(type) {
	case ParticipantID:
		return id
	case string:
		return ParticipantID(id)
	case int:
		return ParticipantID(strconv.Itoa(id))
	case int64:
		return ParticipantID(strconv.FormatInt(id, 10))
	case uint32:
		return ParticipantID(strconv.FormatUint(uint64(id), 10))
	case uint64:
		return ParticipantID(strconv.FormatUint(id, 10))
	case float64:
		// JSON numbers
		return ParticipantID(strconv.FormatFloat(id, 'f', -1, 64))
	case fmt.Stringer:
		return ParticipantID(id.String())
	default:
		return ParticipantID(fmt.Sprint(v))
	}
}

func (id ParticipantID) String() string { return string(id) }

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}
