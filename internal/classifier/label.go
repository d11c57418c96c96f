package classifier

import "time"

// Label is the canonical verdict for one chunk.
type Label string

const (
	Human   Label = "HUMAN"
	AI      Label = "AI"
	Unknown Label = "UNKNOWN"
)

// wireLabels lists the exact spellings the classifier is known to send.
var wireLabels = map[string]Label{
	"HUMAN": Human,
	"Human": Human,
	"AI":    AI,
}

// ParseLabel maps a wire label onto the canonical vocabulary. Spellings
// outside the known set are rejected rather than folded.
func ParseLabel(s string) (Label, bool) {
	l, ok := wireLabels[s]
	return l, ok
}

// Result is a decoded classification for one chunk.
type Result struct {
	SessionID  string        `json:"session_id"`
	Seq        uint64        `json:"seq"`
	Label      Label         `json:"label"`
	Raw        string        `json:"raw"`
	Latency    time.Duration `json:"latency_ns"`
	ReceivedAt time.Time     `json:"received_at"`
}
