package domain

// Store layout.

func SpeakerPath(ch ChannelName) string { return "channels/" + string(ch) + "/activeSpeaker" }

func StreamPath(ch ChannelName) string { return "channels/" + string(ch) + "/audioStream" }

func AlertPath(ch ChannelName) string { return "channels/" + string(ch) + "/activeAlert" }

func ChatPath(ch ChannelName) string { return "channels/" + string(ch) + "/chat" }

const UsersPath = "users"

func UserPath(uid UserID) string { return UsersPath + "/" + string(uid) }
