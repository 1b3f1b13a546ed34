package model

// MaxRTTSamples bounds the per-region round-trip-time window.
const MaxRTTSamples = 100

// UserDcHistory maps a region to the most recent RTT samples observed for a
// user, oldest first.
type UserDcHistory struct {
	UserID int64
	DCs    map[string][]float64
}

func NewUserDcHistory(userID int64) *UserDcHistory {
	return &UserDcHistory{UserID: userID, DCs: make(map[string][]float64)}
}

// Append adds rtt to the region's window and evicts from the front so that at
// most limit samples remain.
func (h *UserDcHistory) Append(region string, rtt float64, limit int) {
	if h.DCs == nil {
		h.DCs = make(map[string][]float64)
	}
	if limit <= 0 {
		limit = MaxRTTSamples
	}
	prev := h.DCs[region]
	window := make([]float64, 0, len(prev)+1)
	window = append(append(window, prev...), rtt)
	if over := len(window) - limit; over > 0 {
		window = window[over:]
	}
	h.DCs[region] = window
}
