package protocol

import (
	"fmt"
	"strings"
)

// Opcode identifies a frame's message kind.
type Opcode byte

const (
	OpAuth             Opcode = 0x00
	OpEventPush        Opcode = 0x01
	OpAPIRequest       Opcode = 0x02
	OpAPIResponse      Opcode = 0x03
	OpIdentitySet      Opcode = 0x04
	OpIdentityRequest  Opcode = 0x05
	OpIdentityResponse Opcode = 0x06
	OpConfigRequest    Opcode = 0x08
	OpConfigDownload   Opcode = 0x09
	OpConfigUpload     Opcode = 0x10
	OpConfigChange     Opcode = 0x11
	OpChatMessage      Opcode = 0x12
	OpChatBroadcast    Opcode = 0x13
	OpUserList         Opcode = 0x14
	OpUserPresence     Opcode = 0x15
	OpChannelEvent     Opcode = 0x16
	OpError            Opcode = 0xFF
)

var opcodeNames = map[Opcode]string{
	OpAuth:             "AUTH",
	OpEventPush:        "EVENT_PUSH",
	OpAPIRequest:       "API_REQUEST",
	OpAPIResponse:      "API_RESPONSE",
	OpIdentitySet:      "USER_ASTRAL_SET",
	OpIdentityRequest:  "USER_ASTRAL_REQUEST",
	OpIdentityResponse: "USER_ASTRAL_RESPONSE",
	OpConfigRequest:    "CONFIG_REQUEST",
	OpConfigDownload:   "CONFIG_DOWNLOAD",
	OpConfigUpload:     "CONFIG_UPLOAD",
	OpConfigChange:     "CONFIG_CHANGE",
	OpChatMessage:      "CHAT_MESSAGE",
	OpChatBroadcast:    "CHAT_BROADCAST",
	OpUserList:         "USER_LIST",
	OpUserPresence:     "USER_PRESENCE",
	OpChannelEvent:     "IRC_EVENT",
	OpError:            "ERROR",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_0x%02X", byte(o))
}

// Method is the HTTP verb carried by an API_REQUEST.
type Method byte

const (
	MethodGet    Method = 0x01
	MethodPost   Method = 0x02
	MethodDelete Method = 0x03
	MethodPut    Method = 0x04
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodDelete:
		return "DELETE"
	case MethodPut:
		return "PUT"
	}
	return fmt.Sprintf("METHOD_%d", byte(m))
}

// Valid reports whether m is one of the four wire methods.
func (m Method) Valid() bool { return m >= MethodGet && m <= MethodPut }

// ParseMethod maps a verb name (case-insensitive) to its wire value.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return MethodGet, nil
	case "POST":
		return MethodPost, nil
	case "DELETE":
		return MethodDelete, nil
	case "PUT":
		return MethodPut, nil
	}
	return 0, fmt.Errorf("unsupported method %q", s)
}
