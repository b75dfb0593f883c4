// Package session implements the authenticated Omikron control channel:
// the mutual-challenge handshake, the long-lived request/response protocol
// and the websocket transport beneath them.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/tensamin/omega/pkg/omegacrypto"
	"github.com/tensamin/omega/pkg/presence"
	"github.com/tensamin/omega/pkg/repository"
	"github.com/tensamin/omega/pkg/shortlink"
	"github.com/tensamin/omega/pkg/wire"
)

// Phase is the handshake progress of one session.
type Phase int

const (
	PhaseOpened Phase = iota
	PhaseIdentified
	PhaseChallenged
	PhaseClosed
)

const challengeLength = 32

// Outbound is the write side of a connection. Send enqueues without
// blocking on the socket; it fails when the queue is full or the
// connection is gone.
type Outbound interface {
	Send(msg *wire.Message) error
	Close()
}

// Deps are the collaborators a session mutates or queries.
type Deps struct {
	Repo     repository.Repository
	Presence *presence.Index
	Registry *Registry
	Links    *shortlink.Store
	Secret   *omegacrypto.SecretKey
	Public   *omegacrypto.PublicKey
}

// handshakeState is the single record guarding everything the handshake
// touches. One mutex, no per-field locks: frames racing through the
// handshake observe a consistent phase/challenge pair.
type handshakeState struct {
	phase     Phase
	omikronID int64
	peerKey   *omegacrypto.PublicKey
	challenge string
}

// Session is one connected Omikron.
type Session struct {
	deps Deps
	log  zerolog.Logger
	out  Outbound

	mu    sync.Mutex
	state handshakeState

	lastPingRTT atomic.Int64
	pending     *pendingTable
	closeOnce   sync.Once
	onClose     func()
}

// New creates a session for a freshly accepted connection.
func New(deps Deps, out Outbound, log zerolog.Logger) *Session {
	s := &Session{
		deps:    deps,
		log:     log,
		out:     out,
		pending: newPendingTable(),
	}
	s.lastPingRTT.Store(-1)
	return s
}

// SetOnClose installs a hook invoked once when the session closes.
func (s *Session) SetOnClose(fn func()) {
	s.onClose = fn
}

// OmikronID is 0 until the peer has identified.
func (s *Session) OmikronID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.omikronID
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.phase
}

// LastPingRTT is the most recent round-trip time the peer reported, in
// milliseconds; -1 before the first ping.
func (s *Session) LastPingRTT() int64 {
	return s.lastPingRTT.Load()
}

func (s *Session) send(msg *wire.Message) {
	if err := s.out.Send(msg); err != nil {
		s.log.Debug().Err(err).Str("type", msg.Type).Msg("Dropping outbound frame, closing session")
		// send is reached from paths that hold the state mutex; close in
		// a fresh goroutine so teardown never deadlocks on it.
		go s.Close()
	}
}

func (s *Session) sendError(req *wire.Message, errType string) {
	s.send(wire.Response(req, errType))
}

// HandleFrame routes one inbound frame. The transport dispatches frames
// concurrently; ordering between handlers of the same session is not
// guaranteed, responses correlate by id.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		s.log.Debug().Err(err).Msg("Ignoring malformed frame")
		if s.Phase() != PhaseChallenged {
			s.Close()
		}
		return
	}

	// Pings bypass authentication gating entirely.
	if msg.Is(wire.TypePing) {
		s.handlePing(msg)
		return
	}

	// A response to a round-trip Omega initiated is consumed here and
	// never treated as a fresh request.
	if s.pending.resolve(msg) {
		return
	}

	// Pongs answer watchdog pings; the transport already refreshed the
	// idle clock, and they must not trip the handshake gate.
	if msg.Is(wire.TypePong) {
		return
	}

	if s.Phase() != PhaseChallenged {
		s.handleHandshake(ctx, msg)
		return
	}

	s.handleAuthenticated(ctx, msg)
}

// Request sends a frame to the peer and waits for the response echoing its
// id. Used for side-data round-trips after identification.
func (s *Session) Request(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	ch, err := s.pending.register(msg.ID)
	if err != nil {
		return nil, err
	}
	if err := s.out.Send(msg); err != nil {
		s.pending.drop(msg.ID)
		return nil, err
	}
	resp, err := await(ctx, ch, defaultRequestTimeout)
	if err != nil {
		s.pending.drop(msg.ID)
		return nil, err
	}
	return resp, nil
}

func (s *Session) handlePing(msg *wire.Message) {
	if rtt, ok := msg.Int64(wire.KeyLastPing); ok {
		s.lastPingRTT.Store(rtt)
	}
	s.send(wire.Response(msg, wire.TypePong))
}

// handleHandshake serializes pre-authentication frames through the state
// mutex so concurrent dispatch cannot interleave phase transitions.
func (s *Session) handleHandshake(ctx context.Context, msg *wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.phase == PhaseOpened && msg.Is(wire.TypeIdentification):
		s.handleIdentificationLocked(ctx, msg)
	case s.state.phase == PhaseIdentified && msg.Is(wire.TypeChallengeResponse):
		s.handleChallengeResponseLocked(msg)
	case s.state.phase == PhaseClosed:
		// Frame raced with close; nothing to do.
	default:
		s.sendError(msg, wire.TypeErrorNotAuthenticated)
		s.closeLocked()
	}
}

func (s *Session) handleIdentificationLocked(ctx context.Context, msg *wire.Message) {
	omikronID, ok := msg.Int64(wire.KeyOmikron)
	if !ok || omikronID == 0 {
		s.sendError(msg, wire.TypeErrorNotAuthenticated)
		s.closeLocked()
		return
	}

	record, err := s.deps.Repo.GetOmikronByID(ctx, omikronID)
	if err != nil {
		s.sendError(msg, wire.TypeErrorNotAuthenticated)
		s.closeLocked()
		return
	}

	keyBytes, err := omegacrypto.DecodeBase64(record.PublicKey)
	if err != nil {
		s.sendError(msg, wire.TypeErrorInvalidOmikronID)
		s.closeLocked()
		return
	}

	peerKey, err := omegacrypto.PublicKeyFromBytes(keyBytes)
	if err != nil {
		s.sendError(msg, wire.TypeErrorInvalidPublicKey)
		s.closeLocked()
		return
	}

	challenge := random.String(challengeLength)

	encrypted, err := omegacrypto.Encrypt(s.deps.Secret, peerKey, []byte(challenge))
	if err != nil {
		s.log.Warn().Err(err).Int64("omikron_id", omikronID).Msg("Challenge encryption failed")
		s.sendError(msg, wire.TypeErrorInternal)
		s.closeLocked()
		return
	}

	s.state.omikronID = omikronID
	s.state.peerKey = peerKey
	s.state.challenge = challenge
	s.state.phase = PhaseIdentified

	response := wire.Response(msg, wire.TypeChallenge).
		Set(wire.KeyPublicKey, omegacrypto.PublicKeyToBase64(s.deps.Public)).
		SetBytes(wire.KeyChallenge, encrypted)
	s.send(response)
}

func (s *Session) handleChallengeResponseLocked(msg *wire.Message) {
	answer, _ := msg.String(wire.KeyChallenge)

	if answer == "" || answer != s.state.challenge {
		s.sendError(msg, wire.TypeErrorInvalidChallenge)
		s.closeLocked()
		return
	}

	s.state.phase = PhaseChallenged
	s.state.challenge = ""

	// Registration happens before the response is emitted: the first
	// authenticated request observes the registry entry.
	s.deps.Registry.Add(s.state.omikronID, s)

	s.send(wire.Response(msg, wire.TypeIdentificationResponse).
		Set(wire.KeyAccepted, true))

	s.log.Info().Int64("omikron_id", s.state.omikronID).Msg("Omikron connected")
}

// Close tears the session down exactly once: deregisters it, purges all
// presence it announced and cancels pending round-trips.
func (s *Session) Close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

func (s *Session) closeLocked() {
	s.closeOnce.Do(func() {
		wasChallenged := s.state.phase == PhaseChallenged
		omikronID := s.state.omikronID
		s.state.phase = PhaseClosed

		s.pending.closeAll()
		s.out.Close()

		if wasChallenged && omikronID != 0 {
			s.deps.Registry.Remove(omikronID)
			s.log.Info().Int64("omikron_id", omikronID).Msg("Omikron disconnected")
		}

		// Presence purges take the index lock and hit the repository, so
		// they run outside the state mutex. The close hook fires after the
		// purge; shutdown waits on it.
		go func() {
			if wasChallenged && omikronID != 0 {
				s.purgePresence(omikronID)
			}
			if s.onClose != nil {
				s.onClose()
			}
		}()
	})
}

// purgePresence removes everything the terminated Omikron announced. Users
// of iotas that lost their last replica are looked up in the repository
// outside the index's critical section.
func (s *Session) purgePresence(omikronID int64) {
	emptied := s.deps.Presence.PurgeOmikron(omikronID)
	for _, iotaID := range emptied {
		users, err := s.deps.Repo.GetUsersByIotaID(context.Background(), iotaID)
		if err != nil {
			s.log.Warn().Err(err).Int64("iota_id", iotaID).Msg("User purge lookup failed")
			continue
		}
		ids := make([]int64, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		s.deps.Presence.UntrackUsers(ids)
	}
}
