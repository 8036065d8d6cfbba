package protocol

type MessageType uint8

const (
	MessageTypeHint      MessageType = 1
	MessageTypeChallenge MessageType = 2
	MessageTypeFinished  MessageType = 3
	MessageTypeReject    MessageType = 4
	MessageTypeData      MessageType = 5
	MessageTypeClose     MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeHint:
		return "HINT"
	case MessageTypeChallenge:
		return "CHALLENGE"
	case MessageTypeFinished:
		return "FINISHED"
	case MessageTypeReject:
		return "REJECT"
	case MessageTypeData:
		return "DATA"
	case MessageTypeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t >= MessageTypeHint && t <= MessageTypeClose
}
