package wire

// UserMessage is an application payload routed by ID. The protocol does not
// interpret Body.
type UserMessage struct {
	ID   uint64
	Body []byte
}

func (m UserMessage) Encode() []byte {
	b := NewBuffer(10 + len(m.Body))
	b.WriteUvarint(m.ID)
	_, _ = b.Write(m.Body)
	return b.Bytes()
}

func DecodeUserMessage(p []byte) (UserMessage, error) {
	b := NewReader(p)
	id, err := b.ReadUvarint()
	if err != nil {
		return UserMessage{}, codecErr("message", err)
	}
	body := make([]byte, b.Remaining())
	copy(body, b.Rest())
	return UserMessage{ID: id, Body: body}, nil
}

// Ack confirms that the sender applied every diff up to Tick. Tick 0 is a
// heartbeat.
type Ack struct {
	Tick uint64
}

func (a Ack) Encode() []byte {
	b := NewBuffer(10)
	b.WriteUvarint(a.Tick)
	return b.Bytes()
}

func (a Ack) Heartbeat() bool {
	return a.Tick == 0
}

func DecodeAck(p []byte) (Ack, error) {
	b := NewReader(p)
	tick, err := b.ReadUvarint()
	if err != nil {
		return Ack{}, codecErr("ack", err)
	}
	if err := b.ExpectEnd(); err != nil {
		return Ack{}, codecErr("ack", err)
	}
	return Ack{Tick: tick}, nil
}

// Disconnect announces a graceful close.
type Disconnect struct {
	Code   uint64
	Reason string
}

func (d Disconnect) Encode() []byte {
	b := NewBuffer(16 + len(d.Reason))
	b.WriteUvarint(d.Code)
	b.WriteString(d.Reason)
	return b.Bytes()
}

func DecodeDisconnect(p []byte) (Disconnect, error) {
	var d Disconnect
	b := NewReader(p)

	var err error
	if d.Code, err = b.ReadUvarint(); err != nil {
		return d, codecErr("disconnect", err)
	}
	if d.Reason, err = b.ReadString(); err != nil {
		return d, codecErr("disconnect", err)
	}
	return d, nil
}

// ResyncRequest asks the server for a full snapshot. LastApplied is the tick
// of the last diff the client applied.
type ResyncRequest struct {
	LastApplied uint64
}

func (r ResyncRequest) Encode() []byte {
	b := NewBuffer(10)
	b.WriteUvarint(r.LastApplied)
	return b.Bytes()
}

func DecodeResyncRequest(p []byte) (ResyncRequest, error) {
	b := NewReader(p)
	tick, err := b.ReadUvarint()
	if err != nil {
		return ResyncRequest{}, codecErr("resync", err)
	}
	return ResyncRequest{LastApplied: tick}, nil
}
