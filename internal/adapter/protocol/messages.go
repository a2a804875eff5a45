package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"astral-proxy/internal/domain"
)

// Param is one key/value pair of an API_REQUEST query or body.
type Param struct {
	Key   string
	Value string
}

// APIRequest is a logical HTTP-style request multiplexed over the socket.
type APIRequest struct {
	RequestID uint32
	Method    Method
	Path      string
	Query     []Param
	Body      []Param
}

// APIResponse correlates to an APIRequest by RequestID.
type APIResponse struct {
	RequestID uint32
	Status    uint16
	Data      []byte
}

// OK reports a 2xx status.
func (r APIResponse) OK() bool { return r.Status >= 200 && r.Status < 300 }

// AuthAck is the backend's answer to AUTH.
type AuthAck struct {
	Success  bool
	Identity domain.SessionIdentity
}

// ChatBroadcast is a channel message relayed by the backend.
type ChatBroadcast struct {
	SenderID string // 16 uppercase hex characters
	Sender   string
	Message  string
}

// Presence declares channel membership.
type Presence struct {
	Join     bool
	Channel  string
	Password string
}

// ChannelEvent reports another user joining or leaving the channel.
type ChannelEvent struct {
	Join bool
	User domain.ChannelUser
}

// ParseCredential turns the textual credential into the 16-byte AUTH key.
func ParseCredential(s string) ([16]byte, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return [16]byte{}, domain.NewDomainError("protocol.ParseCredential", domain.ErrInvalidInput, "credential is not a 128-bit key")
	}
	return id, nil
}

// EncodeAuth builds the AUTH frame.
func EncodeAuth(key [16]byte) Frame {
	payload := make([]byte, 16)
	copy(payload, key[:])
	return Frame{Opcode: OpAuth, Payload: payload}
}

// DecodeAuth reads the credential out of an AUTH frame.
func DecodeAuth(payload []byte) ([16]byte, error) {
	var key [16]byte
	if len(payload) != 16 {
		return key, domain.NewDomainError("protocol.Decode", domain.ErrDecode,
			fmt.Sprintf("AUTH key is %d bytes, want 16", len(payload)))
	}
	copy(key[:], payload)
	return key, nil
}

// EncodeAuthAck builds an AUTH acknowledgement.
func EncodeAuthAck(ack AuthAck) (Frame, error) {
	w := &writer{}
	if !ack.Success {
		w.u8(0)
		return w.frame(OpAuth)
	}
	w.u8(1)
	w.str8(ack.Identity.ID)
	w.str8(ack.Identity.Name)
	w.u8(boolByte(ack.Identity.FeatureEnabled))
	return w.frame(OpAuth)
}

// DecodeAuthAck parses an AUTH acknowledgement. A successful ack with a
// truncated identity is still reported as successful.
func DecodeAuthAck(payload []byte) (AuthAck, error) {
	r := newReader(OpAuth, payload)
	ack := AuthAck{Success: r.u8("success") == 1}
	if r.err != nil {
		return AuthAck{}, r.err
	}
	if !ack.Success || r.remaining() == 0 {
		return ack, nil
	}
	id := r.str8("id")
	name := r.str8("name")
	enabled := r.u8("feature flag") == 1
	if r.err == nil {
		ack.Identity = domain.SessionIdentity{ID: id, Name: name, FeatureEnabled: enabled}
	}
	return ack, nil
}

// EncodeAPIRequest builds an API_REQUEST frame.
func EncodeAPIRequest(req APIRequest) (Frame, error) {
	if !req.Method.Valid() {
		return Frame{}, domain.NewDomainError("protocol.EncodeAPIRequest", domain.ErrEncode, req.Method.String())
	}
	w := &writer{}
	w.u32(req.RequestID)
	w.u8(byte(req.Method))
	w.str8(req.Path)
	writeParams(w, req.Query)
	writeParams(w, req.Body)
	return w.frame(OpAPIRequest)
}

func writeParams(w *writer, params []Param) {
	if len(params) > 0xFFFF {
		w.err = domain.NewDomainError("protocol.writeParams", domain.ErrEncode,
			fmt.Sprintf("%d params exceeds 65535", len(params)))
		return
	}
	w.u16(uint16(len(params)))
	for _, p := range params {
		w.str8(p.Key)
		w.str16(p.Value)
	}
}

// DecodeAPIRequest parses an API_REQUEST payload.
func DecodeAPIRequest(payload []byte) (APIRequest, error) {
	r := newReader(OpAPIRequest, payload)
	req := APIRequest{
		RequestID: r.u32("request id"),
		Method:    Method(r.u8("method")),
		Path:      r.str8("path"),
	}
	req.Query = readParams(r, "query")
	req.Body = readParams(r, "body")
	if r.err != nil {
		return APIRequest{}, r.err
	}
	return req, nil
}

func readParams(r *reader, what string) []Param {
	n := int(r.u16(what + " count"))
	if r.err != nil || n == 0 {
		return nil
	}
	params := make([]Param, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.str8(what + " key")
		v := r.str16(what + " value")
		params = append(params, Param{Key: k, Value: v})
	}
	return params
}

// EncodeAPIResponse builds an API_RESPONSE frame.
func EncodeAPIResponse(resp APIResponse) (Frame, error) {
	w := &writer{}
	w.u32(resp.RequestID)
	w.u16(resp.Status)
	w.raw(resp.Data)
	return w.frame(OpAPIResponse)
}

// DecodeAPIResponse parses an API_RESPONSE payload.
func DecodeAPIResponse(payload []byte) (APIResponse, error) {
	r := newReader(OpAPIResponse, payload)
	resp := APIResponse{
		RequestID: r.u32("request id"),
		Status:    r.u16("status"),
	}
	data := r.rest()
	if r.err != nil {
		return APIResponse{}, r.err
	}
	resp.Data = append([]byte(nil), data...)
	return resp, nil
}

// EncodeChatMessage builds an outbound CHAT_MESSAGE frame.
func EncodeChatMessage(msg string) (Frame, error) {
	w := &writer{}
	w.str16(msg)
	return w.frame(OpChatMessage)
}

// DecodeChatMessage parses a CHAT_MESSAGE payload.
func DecodeChatMessage(payload []byte) (string, error) {
	r := newReader(OpChatMessage, payload)
	msg := r.str16("message")
	return msg, r.err
}

// EncodeChatBroadcast builds a CHAT_BROADCAST frame. SenderID must be 16
// hex characters.
func EncodeChatBroadcast(b ChatBroadcast) (Frame, error) {
	id, err := hex.DecodeString(b.SenderID)
	if err != nil || len(id) != 8 {
		return Frame{}, domain.NewDomainError("protocol.EncodeChatBroadcast", domain.ErrEncode, "sender id must be 8 bytes of hex")
	}
	w := &writer{}
	w.raw(id)
	w.str8(b.Sender)
	w.str16(b.Message)
	return w.frame(OpChatBroadcast)
}

// DecodeChatBroadcast parses a CHAT_BROADCAST payload.
func DecodeChatBroadcast(payload []byte) (ChatBroadcast, error) {
	r := newReader(OpChatBroadcast, payload)
	id := r.bytes(8, "sender id")
	b := ChatBroadcast{
		SenderID: strings.ToUpper(hex.EncodeToString(id)),
		Sender:   r.str8("sender"),
		Message:  r.str16("message"),
	}
	if r.err != nil {
		return ChatBroadcast{}, r.err
	}
	return b, nil
}

// EncodePresence builds a USER_PRESENCE frame.
func EncodePresence(p Presence) (Frame, error) {
	w := &writer{}
	w.u8(boolByte(p.Join))
	w.str8(p.Channel)
	w.str8(p.Password)
	return w.frame(OpUserPresence)
}

// DecodePresence parses a USER_PRESENCE payload.
func DecodePresence(payload []byte) (Presence, error) {
	r := newReader(OpUserPresence, payload)
	p := Presence{
		Join:     r.u8("action") == 1,
		Channel:  r.str8("channel"),
		Password: r.str8("password"),
	}
	if r.err != nil {
		return Presence{}, r.err
	}
	return p, nil
}

// EncodeChannelEvent builds an IRC_EVENT frame.
func EncodeChannelEvent(ev ChannelEvent) (Frame, error) {
	w := &writer{}
	w.u8(boolByte(ev.Join))
	w.str8(ev.User.ID)
	w.str8(ev.User.Name)
	return w.frame(OpChannelEvent)
}

// DecodeChannelEvent parses an IRC_EVENT payload.
func DecodeChannelEvent(payload []byte) (ChannelEvent, error) {
	r := newReader(OpChannelEvent, payload)
	ev := ChannelEvent{Join: r.u8("type") == 1}
	ev.User.ID = r.str8("id")
	ev.User.Name = r.str8("name")
	if r.err != nil {
		return ChannelEvent{}, r.err
	}
	return ev, nil
}

// EncodeUserListRequest builds the empty USER_LIST request.
func EncodeUserListRequest() Frame {
	return Frame{Opcode: OpUserList}
}

// EncodeUserList builds a USER_LIST response with at most 255 entries.
func EncodeUserList(users []domain.ChannelUser) (Frame, error) {
	if len(users) > 0xFF {
		return Frame{}, domain.NewDomainError("protocol.EncodeUserList", domain.ErrEncode,
			fmt.Sprintf("%d users exceeds 255", len(users)))
	}
	w := &writer{}
	w.u8(byte(len(users)))
	for _, u := range users {
		w.str8(u.ID)
		w.str8(u.Name)
	}
	return w.frame(OpUserList)
}

// DecodeUserList parses a USER_LIST response. It stops at the first entry
// that does not fit in the remaining bytes and drops repeated (id, name)
// pairs, so it never fails.
func DecodeUserList(payload []byte) []domain.ChannelUser {
	if len(payload) == 0 {
		return nil
	}
	count := int(payload[0])
	off := 1
	users := make([]domain.ChannelUser, 0, count)
	seen := make(map[domain.ChannelUser]struct{}, count)
	for i := 0; i < count; i++ {
		id, next, ok := readShortString(payload, off)
		if !ok {
			break
		}
		name, next, ok := readShortString(payload, next)
		if !ok {
			break
		}
		off = next
		u := domain.ChannelUser{ID: id, Name: name}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		users = append(users, u)
	}
	return users
}

func readShortString(buf []byte, off int) (string, int, bool) {
	if off >= len(buf) {
		return "", off, false
	}
	n := int(buf[off])
	off++
	if off+n > len(buf) {
		return "", off, false
	}
	return string(buf[off : off+n]), off + n, true
}

// EncodeIdentitySet builds USER_ASTRAL_SET for a player UUID.
func EncodeIdentitySet(playerID string) (Frame, error) {
	return encodeIdentity(OpIdentitySet, playerID)
}

// EncodeIdentityRequest builds USER_ASTRAL_REQUEST for a player UUID.
func EncodeIdentityRequest(playerID string) (Frame, error) {
	return encodeIdentity(OpIdentityRequest, playerID)
}

func encodeIdentity(op Opcode, playerID string) (Frame, error) {
	id, err := uuid.Parse(domain.NormalizePlayerID(playerID))
	if err != nil {
		return Frame{}, domain.NewDomainError("protocol.Encode", domain.ErrInvalidInput,
			fmt.Sprintf("%s: %q is not a uuid", op, playerID))
	}
	payload := make([]byte, 16)
	copy(payload, id[:])
	return Frame{Opcode: op, Payload: payload}, nil
}

// DecodeIdentity reads the UUID out of USER_ASTRAL_SET or USER_ASTRAL_REQUEST
// as 32 lowercase hex characters.
func DecodeIdentity(payload []byte) (string, error) {
	if len(payload) != 16 {
		return "", domain.NewDomainError("protocol.Decode", domain.ErrDecode,
			fmt.Sprintf("identity payload is %d bytes, want 16", len(payload)))
	}
	return hex.EncodeToString(payload), nil
}

// EncodeIdentityResponse builds USER_ASTRAL_RESPONSE.
func EncodeIdentityResponse(st domain.IdentityStatus) (Frame, error) {
	f, err := encodeIdentity(OpIdentityResponse, st.PlayerID)
	if err != nil {
		return Frame{}, err
	}
	f.Payload = append(f.Payload, boolByte(st.OnNetwork))
	return f, nil
}

// DecodeIdentityResponse parses USER_ASTRAL_RESPONSE, which is exactly a
// 16-byte UUID and a flag byte.
func DecodeIdentityResponse(payload []byte) (domain.IdentityStatus, error) {
	if len(payload) != 17 {
		return domain.IdentityStatus{}, domain.NewDomainError("protocol.Decode", domain.ErrDecode,
			fmt.Sprintf("identity response is %d bytes, want 17", len(payload)))
	}
	return domain.IdentityStatus{
		PlayerID:  hex.EncodeToString(payload[:16]),
		OnNetwork: payload[16] == 1,
	}, nil
}

// DecodeErrorText renders an ERROR payload as text.
func DecodeErrorText(payload []byte) string {
	return strings.ToValidUTF8(string(payload), "?")
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
