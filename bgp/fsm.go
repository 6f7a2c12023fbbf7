package bgp

import "time"

// largeHoldTime is the hold timer used while waiting for the peer's OPEN.
const largeHoldTime = 4 * time.Minute

// An action performs the side effects of one transition and returns the
// next state.
type action func(s *Session) State

// transitions is the RFC 4271 §8.2.2 table. A nil entry is an event that the
// state ignores.
var transitions [numStates][numEvents]action

func init() {
	transitions = [numStates][numEvents]action{
		StateIdle: {
			EventManualStart: startSession,
		},
		StateConnect: {
			EventConnectRetryTimerExpires: retryConnect,
			EventHoldTimerExpires:         dropSession,
			EventKeepaliveTimerExpires:    dropSession,
			EventKeepaliveMsg:             dropSession,
			EventUpdateMsg:                dropSession,
			EventTCPConnectionConfirmed:   sendOpen,
			EventTCPConnectionFails:       toActive,
		},
		StateActive: {
			EventConnectRetryTimerExpires: reconnect,
			EventHoldTimerExpires:         dropSession,
			EventKeepaliveTimerExpires:    dropSession,
			EventOpenMsg:                  dropSession,
			EventKeepaliveMsg:             dropSession,
			EventUpdateMsg:                dropSession,
			EventTCPConnectionConfirmed:   sendOpen,
			EventTCPConnectionFails:       toIdle,
		},
		StateOpenSent: {
			EventConnectRetryTimerExpires: dropSession,
			EventHoldTimerExpires:         dropSession,
			EventKeepaliveTimerExpires:    dropSession,
			EventKeepaliveMsg:             dropSession,
			EventUpdateMsg:                dropSession,
			EventTCPConnectionFails:       fallBackToListening,
			EventOpenMsg:                  acceptOpen,
		},
		StateOpenConfirm: {
			EventConnectRetryTimerExpires: dropSession,
			EventHoldTimerExpires:         dropSession,
			EventOpenMsg:                  dropSession,
			EventUpdateMsg:                dropSession,
			EventKeepaliveTimerExpires:    sendKeepalive,
			EventTCPConnectionFails:       toIdle,
			EventKeepaliveMsg:             establish,
		},
		StateEstablished: {
			EventConnectRetryTimerExpires: dropSession,
			EventHoldTimerExpires:         dropSession,
			EventKeepaliveTimerExpires:    sendKeepalive,
			EventKeepaliveMsg:             keepaliveReceived,
			EventUpdateMsg:                updateReceived,
			EventTCPConnectionFails:       ignore,
			EventOpenMsg:                  ignore,
		},
	}
}

func startSession(s *Session) State {
	s.connectRetryCounter = 0
	s.restartConnectRetryTimer()
	s.listening = true
	s.connect()
	return StateConnect
}

func retryConnect(s *Session) State {
	s.abortConnection()
	s.restartConnectRetryTimer()
	s.connect()
	return StateConnect
}

func reconnect(s *Session) State {
	s.restartConnectRetryTimer()
	s.connect()
	return StateConnect
}

// dropSession handles timer expiries and protocol violations.
func dropSession(s *Session) State {
	s.connectRetryTimer.Stop()
	s.abortConnection()
	s.connectRetryCounter++
	return StateIdle
}

func sendOpen(s *Session) State {
	s.connectRetryTimer.Stop()
	s.send(&Open{
		AS:       s.localAS,
		HoldTime: uint16(s.cfg.HoldTime / time.Second),
		RouterID: s.r.routerID,
	})
	s.holdTimer.Reset(largeHoldTime)
	return StateOpenSent
}

func toActive(s *Session) State {
	return StateActive
}

func toIdle(s *Session) State {
	s.abortConnection()
	return StateIdle
}

func fallBackToListening(s *Session) State {
	s.abortConnection()
	s.restartConnectRetryTimer()
	s.listening = true
	return StateActive
}

func acceptOpen(s *Session) State {
	s.connectRetryTimer.Stop()
	s.send(&Keepalive{})
	s.restartKeepaliveTimer()
	s.restartHoldTimer()
	return StateOpenConfirm
}

func sendKeepalive(s *Session) State {
	s.send(&Keepalive{})
	s.restartKeepaliveTimer()
	return s.state
}

func establish(s *Session) State {
	s.restartHoldTimer()
	return StateEstablished
}

func keepaliveReceived(s *Session) State {
	s.restartHoldTimer()
	return StateEstablished
}

func updateReceived(s *Session) State {
	s.restartHoldTimer()
	return StateEstablished
}

// ignore is used for events that a state accepts without acting on. A broken
// transport in Established is handled by the socket callbacks.
func ignore(s *Session) State {
	s.log.Info("ignoring event", "state", s.state, "event", s.event)
	return s.state
}
