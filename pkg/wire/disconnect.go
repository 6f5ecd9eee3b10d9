package wire

import "encoding/json"

// disconnectPacketID is the play-state Disconnect packet ID used by the
// Minecraft-family protocol this proxy speaks to unauthenticated clients.
const disconnectPacketID = 0x19

// chatMessage is the JSON chat component rendered by the client for a
// Disconnect reason.
type chatMessage struct {
	Text  string `json:"text"`
	Color string `json:"color"`
	Bold  bool   `json:"bold"`
}

// Disconnect builds a framed Disconnect packet carrying reason as a red,
// bold chat message. The returned slice is a complete frame: a varint byte
// count followed by the packet ID and the JSON string body.
func Disconnect(reason string) ([]byte, error) {
	body, err := json.Marshal(chatMessage{
		Text:  reason,
		Color: "red",
		Bold:  true,
	})
	if err != nil {
		return nil, err
	}

	payload := PutVarInt(nil, disconnectPacketID)
	payload, err = PutString(payload, string(body))
	if err != nil {
		return nil, err
	}

	framed := PutVarInt(make([]byte, 0, VarIntLen(int32(len(payload)))+len(payload)), int32(len(payload)))
	framed = append(framed, payload...)
	return framed, nil
}
