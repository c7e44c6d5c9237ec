package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/pion/webrtc/v4"
)

type MessageType string

// Client to server.
const (
	TypeJoin         MessageType = "join"
	TypeLeave        MessageType = "leave"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeChatMessage  MessageType = "chat-message"
)

// Server to client.
const (
	TypeRoomPeers  MessageType = "room-peers"
	TypePeerJoined MessageType = "peer-joined"
	TypePeerLeft   MessageType = "peer-left"
	TypeError      MessageType = "error"
)

const maxChatText = 4000

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

var ErrBadMessage = errors.New("signaling: bad message")

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s SessionDescription) toPion() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
}

// Candidate mirrors RTCIceCandidateInit. An empty Candidate string signals
// end of candidates.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c Candidate) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// PeerInfo describes a room participant to other participants.
type PeerInfo struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// clientMessage is what browsers send.
type clientMessage struct {
	Type      MessageType         `json:"type"`
	Room      string              `json:"room"`
	To        string              `json:"to,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
	Text      string              `json:"text,omitempty"`
}

// relayedMessage is a client message forwarded with its sender attached.
type relayedMessage struct {
	Type      MessageType         `json:"type"`
	Room      string              `json:"room"`
	From      string              `json:"from"`
	To        string              `json:"to,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
	Text      string              `json:"text,omitempty"`
}

type roomPeersMessage struct {
	Type  MessageType `json:"type"`
	Room  string      `json:"room"`
	Self  PeerInfo    `json:"self"`
	Peers []PeerInfo  `json:"peers"`
}

type peerEventMessage struct {
	Type MessageType `json:"type"`
	Room string      `json:"room"`
	Peer PeerInfo    `json:"peer"`
}

type errorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Room    string      `json:"room,omitempty"`
}

func badMessage(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadMessage, fmt.Sprintf(format, args...))
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, badMessage("%v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, badMessage("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	if !roomIDPattern.MatchString(m.Room) {
		return badMessage("%s message needs a valid room id", m.Type)
	}

	switch m.Type {
	case TypeJoin, TypeLeave:
		if m.To != "" || m.SDP != nil || m.Candidate != nil || m.Text != "" {
			return badMessage("%s message has unexpected fields", m.Type)
		}
	case TypeOffer, TypeAnswer:
		if m.SDP == nil {
			return badMessage("%s message missing sdp", m.Type)
		}
		if m.Candidate != nil || m.Text != "" {
			return badMessage("%s message has unexpected fields", m.Type)
		}
		return validateSDP(m.Type, *m.SDP)
	case TypeICECandidate:
		if m.Candidate == nil {
			return badMessage("ice-candidate message missing candidate")
		}
		if m.SDP != nil || m.Text != "" {
			return badMessage("ice-candidate message has unexpected fields")
		}
		cand := m.Candidate.toPion()
		if cand.Candidate != "" && cand.SDPMid == nil && cand.SDPMLineIndex == nil {
			return badMessage("ice-candidate needs sdpMid or sdpMLineIndex")
		}
	case TypeChatMessage:
		if m.Text == "" {
			return badMessage("chat-message missing text")
		}
		if len(m.Text) > maxChatText {
			return badMessage("chat-message text longer than %d bytes", maxChatText)
		}
		if m.SDP != nil || m.Candidate != nil {
			return badMessage("chat-message has unexpected fields")
		}
	default:
		return badMessage("unsupported message type %q", m.Type)
	}
	return nil
}

func validateSDP(t MessageType, s SessionDescription) error {
	desc := s.toPion()
	want := webrtc.SDPTypeOffer
	if t == TypeAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if desc.Type != want {
		return badMessage("%s message has sdp.type=%q", t, s.Type)
	}
	if s.SDP == "" {
		return badMessage("%s message has empty sdp", t)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return badMessage("%s sdp does not parse: %v", t, err)
	}
	return nil
}

func (m clientMessage) relay(from string) relayedMessage {
	return relayedMessage{
		Type:      m.Type,
		Room:      m.Room,
		From:      from,
		To:        m.To,
		SDP:       m.SDP,
		Candidate: m.Candidate,
		Text:      m.Text,
	}
}
