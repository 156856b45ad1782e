package domain

// FrameBatch is one transport unit of encoded audio.
// Payload holds RTP packets, one per frame.
type FrameBatch struct {
	SenderID   UserID   `json:"senderId"`
	Payload    [][]byte `json:"payload"`
	ServerTime int64    `json:"serverTime"`
	Sequence   uint32   `json:"sequenceNumber"`
}
