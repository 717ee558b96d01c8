package wire

import (
	"bytes"
	"testing"
)

func roundTripClient(t *testing.T, msg ClientMessage) ClientMessage {
	t.Helper()
	data, err := Marshal(&msg)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var got ClientMessage
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	again, err := Marshal(&got)
	if err != nil {
		t.Fatalf("re-Marshal() error: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Errorf("canonical form drift: % x vs % x", data, again)
	}
	return got
}

func TestClientMessageRoundTrip(t *testing.T) {
	msgs := []ClientMessage{
		{Kind: CAssetPull, ID: "r1", Asset: "ab12"},
		{Kind: CLocationChange, ID: "r2", Target: LocationTarget{Kind: TargetRealm, Owner: "alice", Asset: "ff00", Server: "s2.example"}},
		{Kind: CLocationChange, ID: "r3", Target: LocationTarget{Kind: TargetTrainNext}},
		{Kind: CInLocation, ID: "r4", Request: RealmRequest{
			Kind: RealmPerform,
			Actions: []Action{
				{Kind: ActionMove, To: Point{Surface: 1, X: 4, Y: 9}},
				{Kind: ActionInteraction, Target: 7, Name: "Press", Value: Bool(true)},
				{Kind: ActionEmote, Animation: "wave", Duration: 1500},
			},
		}},
		{Kind: CLocationMessageSend, ID: "r5", Body: "hello room"},
		{Kind: CDirectMessageSend, ID: "r6", Recipient: "bob@s2.example", Body: "hi"},
		{Kind: CAccessSet, ID: "r7", ACLKind: "access", Rules: []AccessRule{{Subject: "*@s2.example", Allow: false}, {Subject: "*", Allow: true}}},
		{Kind: CBookmarkList, ID: "r8"},
	}
	for _, msg := range msgs {
		got := roundTripClient(t, msg)
		if got.Kind != msg.Kind || got.ID != msg.ID {
			t.Errorf("round trip kind/id = %d/%q, want %d/%q", got.Kind, got.ID, msg.Kind, msg.ID)
		}
	}
}

func TestClientMessagePayloads(t *testing.T) {
	got := roundTripClient(t, ClientMessage{Kind: CInLocation, ID: "x", Request: RealmRequest{
		Kind:         RealmChangeSetting,
		SettingName:  "music",
		SettingValue: Int(3),
	}})
	if got.Request.SettingName != "music" || !got.Request.SettingValue.Equal(Int(3)) {
		t.Errorf("setting round trip = %+v", got.Request)
	}

	got = roundTripClient(t, ClientMessage{Kind: CInLocation, ID: "y", Request: RealmRequest{
		Kind:       RealmKick,
		KickTarget: "mallory@s3.example",
	}})
	if got.Request.KickTarget != "mallory@s3.example" {
		t.Errorf("kick target = %q", got.Request.KickTarget)
	}
}

func TestServerMessageRoundTrip(t *testing.T) {
	msgs := []ServerMessage{
		{Kind: SResponse, Seq: 1, ID: "r1", Status: StatusNotAllowed, Detail: "banned"},
		{Kind: SPropertyChanged, Seq: 2, Prop: Property{Name: "door/light", Value: Bool(true)}},
		{Kind: SGateChanged, Seq: 3, Gates: []GateState{{Edge: 10, Open: true}, {Edge: 11, Open: false}}},
		{Kind: SCommittedPath, Seq: 4, Player: "alice@s1.example", Base: 1700000000000, Steps: []PathStep{
			{Edge: 3, To: Point{Surface: 0, X: 1, Y: 2}, At: 400},
			{Edge: 4, To: Point{Surface: 0, X: 2, Y: 2}, At: 800},
		}},
		{Kind: SChat, Seq: 5, Line: ChatLine{Sender: "bob@s2.example", Created: 1700000000001, Body: "hi"}, Realm: true},
		{Kind: SLost, Seq: 6, Detail: "outbound overflow"},
	}
	for _, msg := range msgs {
		data, err := Marshal(&msg)
		if err != nil {
			t.Fatalf("Marshal() error: %v", err)
		}
		var got ServerMessage
		if err := Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal() error: %v", err)
		}
		again, err := Marshal(&got)
		if err != nil {
			t.Fatalf("re-Marshal() error: %v", err)
		}
		if !bytes.Equal(data, again) {
			t.Errorf("kind %d: canonical form drift", msg.Kind)
		}
		if got.Kind != msg.Kind || got.Seq != msg.Seq {
			t.Errorf("round trip = %d/%d, want %d/%d", got.Kind, got.Seq, msg.Kind, msg.Seq)
		}
	}
}

func TestPeerEnvelopeRoundTrip(t *testing.T) {
	envs := []PeerEnvelope{
		{Stream: StreamControl, Message: PeerMessage{Kind: PAssetWant, Asset: "ab12"}},
		{Stream: StreamControl, Message: PeerMessage{Kind: PAssetBlob, Asset: "ab12", Bytes: []byte{1, 2, 3}}},
		{Stream: 7, Message: PeerMessage{Kind: PSessionOpen, Player: "alice@s1.example", Owner: "bob", Realm: "cd34"}},
		{Stream: 7, Message: PeerMessage{Kind: PSessionInput, Input: []byte{0x93}}},
		{Stream: StreamControl, Message: PeerMessage{Kind: PChatDeliver, Player: "alice@s1.example", Recipient: "bob", Created: 1700000000002, Body: "hello"}},
		{Stream: StreamControl, Message: PeerMessage{Kind: PACLProbe, Probe: 99, Player: "alice@s1.example", Owner: "bob", Realm: "cd34"}},
		{Stream: StreamControl, Message: PeerMessage{Kind: PBanAnnounce, Reason: "spam"}},
	}
	for _, env := range envs {
		data, err := Marshal(&env)
		if err != nil {
			t.Fatalf("Marshal() error: %v", err)
		}
		var got PeerEnvelope
		if err := Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal() error: %v", err)
		}
		if got.Stream != env.Stream || got.Message.Kind != env.Message.Kind {
			t.Errorf("round trip = %d/%d, want %d/%d", got.Stream, got.Message.Kind, env.Stream, env.Message.Kind)
		}
		if got.Message.Kind == PChatDeliver && got.Message.Created != env.Message.Created {
			t.Errorf("chat created = %d, want %d", got.Message.Created, env.Message.Created)
		}
	}
}

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		Empty(),
		Bool(true),
		Int(-42),
		ToLink(Link{Kind: LinkHome}),
		ToLink(Link{Kind: LinkRealm, Owner: "alice", Asset: "ab", Server: "s1"}),
		ToLink(Link{Kind: LinkSpawn, Spawn: 2}),
		Bools([]bool{true, false, true}),
		Ints([]int32{0, -1, 7}),
		Links([]Link{{Kind: LinkNoWhere}, {Kind: LinkTrainNext}}),
	}
	for _, v := range values {
		data, err := Marshal(&v)
		if err != nil {
			t.Fatalf("Marshal(%v) error: %v", v.Kind, err)
		}
		var got Value
		if err := Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%v) error: %v", v.Kind, err)
		}
		if !got.Equal(v) {
			t.Errorf("round trip %v: got %+v want %+v", v.Kind, got, v)
		}
	}
}

func TestUnknownTagRejected(t *testing.T) {
	data, err := Marshal(&ClientMessage{Kind: CBookmarkList, ID: "z"})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	// Corrupt the tag byte (second msgpack byte after the array header).
	data[1] = 0xCC // uint8 marker
	data = append(data[:2], append([]byte{0xFF}, data[2:]...)...)
	var got ClientMessage
	if err := Unmarshal(data, &got); err == nil {
		t.Error("decoding unknown tag should fail")
	}
}
