package ircsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bob = MustParseNick("bob:laptop")

// TestSessionRegisterGoesOnline verifies the connect and registration path
// ends online and reports each state.
func TestSessionRegisterGoesOnline(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	for _, want := range []string{"connecting", "connected", "registering", "registered", "online"} {
		h.events.waitEvent(t, EventStateChanged, func(ev Event) bool { return ev.State == want })
	}
	sctx, ok := h.session.state.Context()
	require.True(t, ok)
	assert.Equal(t, h.session.Nick(), sctx.Nick)
}

// TestSessionRegisterSendsPassword verifies PASS precedes registration.
func TestSessionRegisterSendsPassword(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Password = "bearer-token"
	h := newTestHarness(t, cfg)
	require.NoError(t, h.session.Connect(context.Background()))

	pass := h.server.expect("PASS")
	assert.Equal(t, []string{"bearer-token"}, pass.Arguments)
}

func TestSessionRegisterFailures(t *testing.T) {
	tests := []struct {
		name   string
		reply  func(h *testHarness, reg *MessagePacket)
		assert func(t *testing.T, err error)
	}{
		{
			name: "rejected ack",
			reply: func(h *testHarness, reg *MessagePacket) {
				p := NewAckPacket(reg.ID, AckRegistered)
				p.Ack.Reason = "bad token"
				h.server.sendPacket("irc.test", h.session.Nick(), p)
			},
			assert: func(t *testing.T, err error) {
				var pe *ProtocolError
				require.ErrorAs(t, err, &pe)
				assert.Contains(t, pe.Msg, "bad token")
			},
		},
		{
			name: "nick in use",
			reply: func(h *testHarness, _ *MessagePacket) {
				h.server.send(":irc.test 433 * alice:phone :Nickname is already in use")
			},
			assert: func(t *testing.T, err error) {
				var pe *ProtocolError
				require.ErrorAs(t, err, &pe)
				assert.Contains(t, pe.Msg, "433")
			},
		},
		{
			name:  "no reply",
			reply: func(*testHarness, *MessagePacket) {},
			assert: func(t *testing.T, err error) {
				var te *TimeoutError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, "register", te.Op)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t, nil)
			require.NoError(t, h.session.Connect(context.Background()))

			errCh := make(chan error, 1)
			go func() { errCh <- h.session.Register(context.Background(), []byte("jwt")) }()

			nick := h.server.expect("NICK")
			blob, _ := nick.Tag(TagRegistrationPacket)
			reg, err := UnmarshalPacket(blob)
			require.NoError(t, err)
			tt.reply(h, reg)

			select {
			case err := <-errCh:
				tt.assert(t, err)
			case <-time.After(testTimeout):
				t.Fatal("register did not return")
			}
			assert.NotEqual(t, StateOnline, h.session.State())
			assert.Zero(t, h.session.correlator.Pending())
		})
	}
}

// TestSessionRegisterRequiresConnected verifies Register outside connected
// is a state error.
func TestSessionRegisterRequiresConnected(t *testing.T) {
	h := newTestHarness(t, nil)
	err := h.session.Register(context.Background(), nil)
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateOffline, se.State)
}

// TestSessionInboundMessageAcked verifies a peer message reaches the
// encryption engine and is acknowledged to its sender.
func TestSessionInboundMessageAcked(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	p := NewPacket(PacketMessage)
	p.Sender = bob.String()
	p.Payload = []byte("ciphertext")
	h.server.sendPacket(bob.String()+"!u@host", h.session.Nick(), p)

	m, ack := h.server.expectPacket("PRIVMSG")
	assert.Equal(t, []string{bob.String()}, m.Command.(PrivMsgCommand).Recipients)
	require.Equal(t, PacketAck, ack.Type)
	assert.Equal(t, p.ID, ack.Ack.ID)
	assert.Equal(t, AckMessageSent, ack.Ack.Kind)
	assert.Equal(t, 1, h.crypto.receivedCount())
}

// TestSessionDuplicateMessageReacked verifies a replayed packet id is acked
// again but delivered once.
func TestSessionDuplicateMessageReacked(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	p := NewPacket(PacketMessage)
	p.Sender = bob.String()
	for i := 0; i < 2; i++ {
		h.server.sendPacket(bob.String(), h.session.Nick(), p)
		_, ack := h.server.expectPacket("PRIVMSG")
		assert.Equal(t, p.ID, ack.Ack.ID)
	}
	assert.Equal(t, 1, h.crypto.receivedCount())
}

// TestSessionMessageRetriedAfterCryptoFailure verifies a packet the engine
// failed on is processed when it arrives again.
func TestSessionMessageRetriedAfterCryptoFailure(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)
	h.crypto.failNext = true

	p := NewPacket(PacketMessage)
	p.Sender = bob.String()
	h.server.sendPacket(bob.String(), h.session.Nick(), p)
	h.server.expectNone("PRIVMSG", 100*time.Millisecond)

	h.server.sendPacket(bob.String(), h.session.Nick(), p)
	h.server.expectPacket("PRIVMSG")
	assert.Equal(t, 1, h.crypto.receivedCount())
}

// TestSessionMessageWithoutSender verifies a server-relayed message with no
// sender field is dropped unacknowledged.
func TestSessionMessageWithoutSender(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	p := NewPacket(PacketMessage)
	h.server.sendPacket("irc.test", h.session.Nick(), p)
	h.server.expectNone("PRIVMSG", 100*time.Millisecond)
	assert.Zero(t, h.crypto.receivedCount())
}

// TestSessionNoticeNeverReplies verifies packets carried by NOTICE are
// processed without an acknowledgment.
func TestSessionNoticeNeverReplies(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	p := NewPacket(PacketMessage)
	p.Sender = bob.String()
	blob, err := p.Marshal()
	require.NoError(t, err)
	h.server.send(":" + bob.String() + " NOTICE alice:phone :" + blob)
	h.server.send(":irc.test NOTICE * :*** Looking up your hostname")

	require.Eventually(t, func() bool { return h.crypto.receivedCount() == 1 }, testTimeout, 5*time.Millisecond)
	h.server.expectNone("PRIVMSG", 100*time.Millisecond)
}

// TestSessionBlockedSender verifies the access list filters peers.
func TestSessionBlockedSender(t *testing.T) {
	cfg := testConfig()
	cfg.Access = AccessListConfig{Mode: AccessListModeBlocklist, Senders: []string{"bob"}}
	h := newTestHarness(t, cfg)
	h.online(t)

	p := NewPacket(PacketMessage)
	p.Sender = bob.String()
	h.server.sendPacket(bob.String(), h.session.Nick(), p)
	h.server.expectNone("PRIVMSG", 100*time.Millisecond)
	assert.Zero(t, h.crypto.receivedCount())
}

// TestSessionSendMessageDelivery verifies outbound messages are tracked
// until the server acknowledges them.
func TestSessionSendMessageDelivery(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	id, err := h.session.SendMessage(context.Background(), bob, []byte("hi"), PushMessage)
	require.NoError(t, err)

	m, p := h.server.expectPacket("PRIVMSG")
	assert.Equal(t, []string{bob.String()}, m.Command.(PrivMsgCommand).Recipients)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, []byte("enc:hi"), p.Payload)
	assert.Equal(t, PushMessage, p.PushType)

	h.server.ack(h.session.Nick(), id, AckMessageSent, true)
	h.events.waitEvent(t, EventDelivery, func(ev Event) bool {
		return ev.MessageID == id && ev.State == DeliverySent
	})
	assert.Equal(t, uint64(1), h.session.DeliveryStats().TotalDelivered)
	assert.Equal(t, id, h.session.LastAck().ID)
}

// TestSessionSendRequiresOnline verifies API calls fail before registration.
func TestSessionSendRequiresOnline(t *testing.T) {
	h := newTestHarness(t, nil)
	_, err := h.session.SendMessage(context.Background(), bob, []byte("hi"), PushNone)
	var se *StateError
	require.ErrorAs(t, err, &se)
}

// TestSessionReadReceipts verifies inbound receipts become delivery events
// and are acknowledged.
func TestSessionReadReceipts(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	p := NewPacket(PacketReadReceipt)
	p.Sender = bob.String()
	p.ReadReceipt = &ReadReceipt{MessageID: "m1", State: ReceiptDisplayed}
	h.server.sendPacket(bob.String(), h.session.Nick(), p)

	_, ack := h.server.expectPacket("PRIVMSG")
	assert.Equal(t, AckReadReceipt, ack.Ack.Kind)
	h.events.waitEvent(t, EventDelivery, func(ev Event) bool {
		return ev.MessageID == "m1" && ev.State == DeliveryDisplayed
	})
}

// TestSessionReadKeyBundle verifies the key bundle request resolves with
// the reply carrying its id.
func TestSessionReadKeyBundle(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	type result struct {
		bundle []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		b, err := h.session.ReadKeyBundle(context.Background(), "bob")
		done <- result{b, err}
	}()

	m, req := h.server.expectPacket(CmdReadKeyBundle)
	assert.Equal(t, "bob", m.Arguments[0])

	reply := NewReplyPacket(PacketReadKeyBundle, req.ID)
	reply.Payload = []byte("bundle-bytes")
	h.server.sendApp(CmdReadKeyBundle, reply)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, []byte("bundle-bytes"), r.bundle)
	assert.Zero(t, h.session.correlator.Pending())
}

// TestSessionReadKeyBundleTimeout verifies a missing reply ends at the
// ceiling and leaves no pending entry.
func TestSessionReadKeyBundleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Correlator.KeyBundleTimeout = 100 * time.Millisecond
	h := newTestHarness(t, cfg)
	h.online(t)

	_, err := h.session.ReadKeyBundle(context.Background(), "bob")
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "readKeyBundle", te.Op)
	assert.Zero(t, h.session.correlator.Pending())
}

// TestSessionPublishKeyBundle verifies the publish waits for an OK ack.
func TestSessionPublishKeyBundle(t *testing.T) {
	for _, ok := range []bool{true, false} {
		h := newTestHarness(t, nil)
		h.online(t)

		done := make(chan error, 1)
		go func() { done <- h.session.PublishKeyBundle(context.Background(), []byte("keys")) }()

		_, p := h.server.expectPacket(CmdPublishKeyBundle)
		assert.Equal(t, []byte("keys"), p.Payload)
		h.server.ack(h.session.Nick(), p.ID, AckPublishedKeyBundle, ok)

		err := <-done
		if ok {
			assert.NoError(t, err)
		} else {
			var pe *ProtocolError
			assert.ErrorAs(t, err, &pe)
		}
	}
}

// TestSessionDisconnectFailsPending verifies a transport failure fails
// every pending request and moves to disconnected.
func TestSessionDisconnectFailsPending(t *testing.T) {
	cfg := testConfig()
	cfg.Correlator.KeyBundleTimeout = 5 * time.Second
	h := newTestHarness(t, cfg)
	h.online(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.session.ReadKeyBundle(context.Background(), "bob")
		done <- err
	}()
	h.server.expect(CmdReadKeyBundle)
	h.server.disconnect()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(testTimeout):
		t.Fatal("pending request not failed")
	}
	<-h.session.Done()
	assert.Equal(t, StateDisconnected, h.session.State())
	var te *TransportError
	assert.ErrorAs(t, h.session.Err(), &te)
}

// TestSessionQuit verifies a graceful quit waits for the confirmation and
// ends offline.
func TestSessionQuit(t *testing.T) {
	tests := []struct {
		name    string
		confirm bool
	}{
		{"confirmed", true},
		{"unconfirmed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t, nil)
			h.online(t)

			done := make(chan error, 1)
			go func() { done <- h.session.Quit(context.Background(), "bye") }()

			quit := h.server.expect("QUIT")
			assert.Equal(t, "bye", quit.Command.(QuitCommand).Reason)
			if tt.confirm {
				h.server.ack(h.session.Nick(), quitCorrelationID, AckQuitConfirmed, true)
			}
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(testTimeout):
				t.Fatal("quit did not return")
			}
			assert.Equal(t, StateOffline, h.session.State())
			assert.True(t, h.session.quitRequested())
		})
	}
}

// TestSessionAnswersPing verifies server pings get a PONG with the token.
func TestSessionAnswersPing(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	h.server.send("PING :abc123")
	pong := h.server.expect("PONG")
	assert.Equal(t, "abc123", pong.Command.(PongCommand).Token)
}

// TestSessionPing verifies our PING is matched to the server's PONG.
func TestSessionPing(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	done := make(chan *PingResult, 1)
	go func() { done <- h.session.Ping(context.Background()) }()
	ping := h.server.expect("PING")
	token := ping.Command.(PingCommand).Token
	h.server.send(":irc.test PONG " + token + " irc.test")

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, token, res.Token)
	assert.Positive(t, res.RTT)
}

// TestSessionPresence verifies ISON after registration and the reply
// feeding the presence cache.
func TestSessionPresence(t *testing.T) {
	h := newTestHarness(t, nil)
	carol := MustParseNick("carol:tablet")
	h.crypto.contacts = []Nick{bob, carol}
	h.online(t)

	ison := h.server.expect("ISON")
	assert.Equal(t, []string{bob.String(), carol.String()}, ison.Arguments)

	h.server.send(":irc.test 303 alice:phone :" + bob.String())
	h.events.waitEvent(t, EventPresence, func(ev Event) bool { return ev.Nick == carol.String() })

	online, ok := h.session.IsOnline(bob)
	assert.True(t, ok)
	assert.True(t, online)
	online, ok = h.session.IsOnline(carol)
	assert.True(t, ok)
	assert.False(t, online)
	assert.Equal(t, []string{bob.String()}, h.session.OnlineContacts())
}

// TestSessionMOTD verifies MOTD lines are collected into one event.
func TestSessionMOTD(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	h.server.send(":irc.test 375 alice:phone :- irc.test Message of the day -")
	h.server.send(":irc.test 372 alice:phone :- Welcome")
	h.server.send(":irc.test 372 alice:phone :- Be nice")
	h.server.send(":irc.test 376 alice:phone :End of /MOTD command.")

	ev := h.events.waitEvent(t, EventMOTD, nil)
	assert.Equal(t, "Welcome\nBe nice", ev.Text)
	assert.Equal(t, ev.Text, h.session.MOTD())
}

// TestSessionJoinTags verifies the channel and presence blobs on JOIN.
func TestSessionJoinTags(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	info, err := EncodeBlob(ChannelInfo{Name: "#team", Topic: "launch", Members: []string{"alice:phone", "bob:laptop"}})
	require.NoError(t, err)
	presence, err := EncodeBlob(PresenceInfo{Online: []string{"bob:laptop"}})
	require.NoError(t, err)
	h.server.send("@" + TagChannelPacket + "=" + info + ";" + TagPresence + "=" + presence + " :alice:phone JOIN #team")

	ev := h.events.waitEvent(t, EventChannel, func(ev Event) bool { return ev.State == "joined" })
	assert.Equal(t, "#team", ev.Channel)
	assert.Equal(t, "launch", ev.Text)
	h.events.waitEvent(t, EventPresence, func(ev Event) bool { return ev.Nick == "bob:laptop" && ev.Online })
}

// TestSessionDeviceRegistry verifies both outcomes of a device registry
// request.
func TestSessionDeviceRegistry(t *testing.T) {
	master := MustParseNick("alice:desktop")

	t.Run("accepted", func(t *testing.T) {
		h := newTestHarness(t, nil)
		h.online(t)

		done := make(chan error, 1)
		go func() {
			_, err := h.session.RequestDeviceRegistry(context.Background(), master, []byte("hello"))
			done <- err
		}()
		_, req := h.server.expectPacket("PRIVMSG")
		require.Equal(t, PacketRequestDeviceRegistry, req.Type)

		accept := NewReplyPacket(PacketAcceptDeviceRegistry, req.ID)
		accept.Payload = []byte("device-config")
		h.server.sendPacket(master.String(), h.session.Nick(), accept)

		require.NoError(t, <-done)
		h.crypto.mu.Lock()
		assert.Equal(t, [][]byte{[]byte("device-config")}, h.crypto.devices)
		h.crypto.mu.Unlock()
	})

	t.Run("rejected", func(t *testing.T) {
		h := newTestHarness(t, nil)
		h.online(t)

		done := make(chan error, 1)
		go func() {
			_, err := h.session.RequestDeviceRegistry(context.Background(), master, nil)
			done <- err
		}()
		_, req := h.server.expectPacket("PRIVMSG")
		reject := NewReplyPacket(PacketRejectDeviceRegistry, req.ID)
		reject.Payload = []byte("unknown device")
		h.server.sendPacket(master.String(), h.session.Nick(), reject)

		err := <-done
		var pe *ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "unknown device", pe.Msg)
	})

	t.Run("inbound request", func(t *testing.T) {
		h := newTestHarness(t, nil)
		h.online(t)

		req := NewPacket(PacketRequestDeviceRegistry)
		req.Payload = []byte("let me in")
		newDevice := MustParseNick("alice:watch")
		h.server.sendPacket(newDevice.String(), h.session.Nick(), req)

		ev := h.events.waitEvent(t, EventDeviceRegistryRequest, nil)
		assert.Equal(t, newDevice.String(), ev.Nick)
		assert.Equal(t, req.ID, ev.MessageID)

		require.NoError(t, h.session.AcceptDeviceRegistry(context.Background(), newDevice, ev.MessageID, []byte("cfg")))
		_, reply := h.server.expectPacket("PRIVMSG")
		assert.Equal(t, req.ID, reply.InReplyTo)
	})
}

// TestSessionRegisterHandler verifies custom handlers replace the default
// for their packet type.
func TestSessionRegisterHandler(t *testing.T) {
	h := newTestHarness(t, nil)
	got := make(chan *MessagePacket, 1)
	h.session.RegisterHandler(PacketBadgeUpdate, func(_ context.Context, pc *PacketContext, p *MessagePacket) error {
		assert.Equal(t, CmdBadgeUpdate, pc.Command)
		got <- p
		return nil
	})
	h.online(t)

	p := NewPacket(PacketBadgeUpdate)
	p.Payload = []byte("3")
	h.server.sendApp(CmdBadgeUpdate, p)

	select {
	case gp := <-got:
		assert.Equal(t, p.ID, gp.ID)
	case <-time.After(testTimeout):
		t.Fatal("handler not called")
	}
}

// TestSessionRunReconnects verifies Run reconnects after a transport
// failure and stops on cancellation.
func TestSessionRunReconnects(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.session.Run(ctx, StaticRegistration([]byte("jwt"))) }()

	h.acceptRegistration(t)
	require.Eventually(t, func() bool { return h.session.State() == StateOnline }, testTimeout, 5*time.Millisecond)

	h.server.disconnect()
	h.acceptRegistration(t)
	require.Eventually(t, func() bool { return h.session.State() == StateOnline }, testTimeout, 5*time.Millisecond)

	cancel()
	h.server.expect("QUIT")
	select {
	case err := <-runErr:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(testTimeout):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, StateOffline, h.session.State())
}

// TestSessionRunStopsOnRejection verifies a rejected registration is not
// retried.
func TestSessionRunStopsOnRejection(t *testing.T) {
	h := newTestHarness(t, nil)
	runErr := make(chan error, 1)
	go func() { runErr <- h.session.Run(context.Background(), StaticRegistration(nil)) }()

	nick := h.server.expect("NICK")
	blob, _ := nick.Tag(TagRegistrationPacket)
	reg, err := UnmarshalPacket(blob)
	require.NoError(t, err)
	h.server.ack(h.session.Nick(), reg.ID, AckRegistered, false)

	select {
	case err := <-runErr:
		var pe *ProtocolError
		assert.ErrorAs(t, err, &pe)
	case <-time.After(testTimeout):
		t.Fatal("run did not stop")
	}
}
