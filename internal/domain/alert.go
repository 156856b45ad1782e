package domain

type Alert struct {
	Channel   ChannelName `json:"-"`
	Active    bool        `json:"active"`
	Sender    string      `json:"sender"`
	SenderID  UserID      `json:"senderId"`
	Timestamp int64       `json:"timestamp"`
}
