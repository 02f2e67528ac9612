package filecache

import "github.com/italolelis/filecache/internal/transfer"

// PendingRequest is a download waiting for a free transfer slot.
type PendingRequest struct {
	URL        string
	Listener   transfer.Listener
	WantsCache bool
}

// Equal reports whether two requests ask the same subscriber to be notified about
// the same URL in the same form. Listeners are compared by ID.
func (p PendingRequest) Equal(o PendingRequest) bool {
	return p.URL == o.URL && p.Listener.ID == o.Listener.ID && p.WantsCache == o.WantsCache
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Downloading    int `json:"downloading"`
	Pending        int `json:"pending"`
	MaxConcurrency int `json:"max_concurrency"`
}
