package tunnel

import (
	"cmp"
	"strconv"
	"strings"
)

// MaxIDLength bounds tunnel identifiers.
const MaxIDLength = 1024

// ValidateID checks that id is 1-1024 characters drawn from [A-Za-z0-9_-].
func ValidateID(id string) error {
	if id == "" {
		return invalidArgument("tunnel id required")
	}
	if len(id) > MaxIDLength {
		return invalidArgument("tunnel id exceeds %d characters", MaxIDLength)
	}
	for i := 0; i < len(id); i++ {
		if !idChar(id[i]) {
			return invalidArgument("tunnel id contains invalid character %q", id[i])
		}
	}
	return nil
}

func idChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}

// MessageID identifies a message as <epoch>-<seq>. Ids order by epoch, then seq.
type MessageID struct {
	Epoch int64
	Seq   uint64
}

// ParseMessageID parses the textual <epoch>-<seq> form.
func ParseMessageID(raw string) (MessageID, error) {
	epochPart, seqPart, ok := strings.Cut(raw, "-")
	if !ok || epochPart == "" || seqPart == "" {
		return MessageID{}, invalidArgument("message id %q must be <epoch>-<seq>", raw)
	}
	epoch, err := strconv.ParseInt(epochPart, 10, 64)
	if err != nil || epoch < 0 {
		return MessageID{}, invalidArgument("message id %q has invalid epoch", raw)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return MessageID{}, invalidArgument("message id %q has invalid sequence", raw)
	}
	return MessageID{Epoch: epoch, Seq: seq}, nil
}

func (m MessageID) String() string {
	return strconv.FormatInt(m.Epoch, 10) + "-" + strconv.FormatUint(m.Seq, 10)
}

// Compare returns -1, 0 or +1 depending on the order of m and other.
func (m MessageID) Compare(other MessageID) int {
	if c := cmp.Compare(m.Epoch, other.Epoch); c != 0 {
		return c
	}
	return cmp.Compare(m.Seq, other.Seq)
}

// IsZero reports whether m is the zero id.
func (m MessageID) IsZero() bool {
	return m.Epoch == 0 && m.Seq == 0
}
