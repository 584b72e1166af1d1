package session

// Handle identifies a shell session inside the host that opened it. Key is
// the host's own name for the session; InternalID is a host-assigned number
// used as the root process id when the host cannot report a real one.
type Handle struct {
	Key        string `json:"key"`
	InternalID int    `json:"internalId"`
}
