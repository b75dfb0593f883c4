package session

import (
	"context"
	"errors"

	"github.com/tensamin/omega/pkg/presence"
	"github.com/tensamin/omega/pkg/repository"
	"github.com/tensamin/omega/pkg/wire"
)

// handleAuthenticated dispatches a request from a Challenged session.
// Unknown types are ignored. user_connected, user_disconnected and
// iota_disconnected answer only when their user_id or iota_id is missing, and
// sync_client_iota_status never answers; every other request gets a
// response echoing its id.
func (s *Session) handleAuthenticated(ctx context.Context, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeUserConnected:
		s.handleUserConnected(msg)
	case wire.TypeUserDisconnected:
		s.handleUserDisconnected(msg)
	case wire.TypeIotaConnected:
		s.handleIotaConnected(ctx, msg)
	case wire.TypeIotaDisconnected:
		s.handleIotaDisconnected(ctx, msg)
	case wire.TypeSyncClientIotaStatus:
		s.handleSyncClientIotaStatus(msg)
	case wire.TypeGetUserData:
		s.handleGetUserData(ctx, msg)
	case wire.TypeGetIotaData:
		s.handleGetIotaData(ctx, msg)
	case wire.TypeShortenLink:
		s.handleShortenLink(msg)
	case wire.TypeGetRegister:
		s.handleGetRegister(msg)
	case wire.TypeCompleteRegisterIota:
		s.handleCompleteRegisterIota(ctx, msg)
	case wire.TypeCompleteRegisterUser:
		s.handleCompleteRegisterUser(ctx, msg)
	case wire.TypeChangeUserData:
		s.handleChangeUserData(ctx, msg)
	case wire.TypeChangeIotaData:
		s.handleChangeIotaData(ctx, msg)
	case wire.TypeDeleteUser:
		s.handleDeleteUser(ctx, msg)
	case wire.TypeDeleteIota:
		s.handleDeleteIota(ctx, msg)
	case wire.TypeGetNotifications:
		s.handleGetNotifications(ctx, msg)
	case wire.TypePushNotification:
		s.handlePushNotification(ctx, msg)
	case wire.TypeReadNotification:
		s.handleReadNotification(ctx, msg)
	default:
		// Closed type set; anything else is silently dropped.
	}
}

// sendRepoError translates a repository failure into its wire form.
func (s *Session) sendRepoError(req *wire.Message, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		s.sendError(req, wire.TypeErrorNotFound)
		return
	}
	s.log.Warn().Err(err).Str("type", req.Type).Msg("Repository error")
	s.send(wire.Response(req, wire.TypeError).Set(wire.KeyErrorType, err.Error()))
}

func (s *Session) handleUserConnected(msg *wire.Message) {
	userID, ok := msg.Int64(wire.KeyUserID)
	if !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	s.deps.Presence.SetUserStatus(userID, presence.StatusOnline, s.OmikronID())
}

func (s *Session) handleUserDisconnected(msg *wire.Message) {
	userID, ok := msg.Int64(wire.KeyUserID)
	if !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	// Downgrade rather than remove: the hosting omikron stays attached so
	// lookups still route to the user's last known front.
	if current, ok := s.deps.Presence.GetUserStatus(userID); ok {
		s.deps.Presence.SetUserStatus(userID, presence.StatusUserOffline, current.OmikronID)
	}
}

func (s *Session) handleIotaConnected(ctx context.Context, msg *wire.Message) {
	iotaID, ok := msg.Int64(wire.KeyIotaID)
	if !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	omikronID := s.OmikronID()
	s.deps.Presence.TrackIotaConnection(iotaID, omikronID, true)

	users, err := s.deps.Repo.GetUsersByIotaID(ctx, iotaID)
	if err != nil {
		s.sendRepoError(msg, err)
		return
	}
	userIDs := make([]int64, 0, len(users))
	for _, u := range users {
		s.deps.Presence.SetUserStatus(u.ID, presence.StatusUserOffline, omikronID)
		userIDs = append(userIDs, u.ID)
	}
	s.send(wire.Response(msg, wire.TypeIotaUserData).Set(wire.KeyUserIDs, userIDs))
}

func (s *Session) handleIotaDisconnected(ctx context.Context, msg *wire.Message) {
	iotaID, ok := msg.Int64(wire.KeyIotaID)
	if !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	becameEmpty := s.deps.Presence.UntrackIotaConnection(iotaID, s.OmikronID())
	if !becameEmpty {
		return
	}
	users, err := s.deps.Repo.GetUsersByIotaID(ctx, iotaID)
	if err != nil {
		s.log.Warn().Err(err).Int64("iota_id", iotaID).Msg("User untrack lookup failed")
		return
	}
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	s.deps.Presence.UntrackUsers(ids)
}

func (s *Session) handleSyncClientIotaStatus(msg *wire.Message) {
	omikronID := s.OmikronID()
	if userIDs, ok := msg.Int64List(wire.KeyUserIDs); ok {
		for _, id := range userIDs {
			s.deps.Presence.SetUserStatus(id, presence.StatusOnline, omikronID)
		}
	}
	if iotaIDs, ok := msg.Int64List(wire.KeyIotaIDs); ok {
		for _, id := range iotaIDs {
			s.deps.Presence.TrackIotaConnection(id, omikronID, true)
		}
	}
}

// lookupUser resolves the user named by user_id or username.
func (s *Session) lookupUser(ctx context.Context, msg *wire.Message) (*repository.User, error) {
	if userID, ok := msg.Int64(wire.KeyUserID); ok {
		return s.deps.Repo.GetUserByID(ctx, userID)
	}
	if username, ok := msg.String(wire.KeyUsername); ok {
		return s.deps.Repo.GetUserByUsername(ctx, username)
	}
	return nil, errMissingIdentifier
}

var errMissingIdentifier = errors.New("no identifier in request")

func (s *Session) handleGetUserData(ctx context.Context, msg *wire.Message) {
	user, err := s.lookupUser(ctx, msg)
	if errors.Is(err, errMissingIdentifier) {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	if err != nil {
		s.sendRepoError(msg, err)
		return
	}

	response := wire.Response(msg, wire.TypeGetUserData).
		Set(wire.KeyUserID, user.ID).
		Set(wire.KeyUsername, user.Username).
		Set(wire.KeyDisplay, user.Display).
		Set(wire.KeyStatus, user.Status).
		Set(wire.KeyAbout, user.About).
		Set(wire.KeySubLevel, user.SubLevel).
		Set(wire.KeySubEnd, user.SubEnd).
		Set(wire.KeyPublicKey, user.PublicKey).
		Set(wire.KeyIotaID, user.IotaID)
	if len(user.Avatar) > 0 {
		response.SetBytes(wire.KeyAvatar, user.Avatar)
	}

	if p, ok := s.deps.Presence.GetUserStatus(user.ID); ok {
		response.Set(wire.KeyOnlineStatus, string(p.Status)).
			Set(wire.KeyOmikronID, p.OmikronID)
	} else {
		response.Set(wire.KeyOnlineStatus, string(presence.StatusIotaOffline))
	}
	if replicas, ok := s.deps.Presence.GetIotaReplicas(user.IotaID); ok {
		response.Set(wire.KeyOmikronConnections, replicas)
	}

	s.send(response)
}

func (s *Session) handleGetIotaData(ctx context.Context, msg *wire.Message) {
	iotaID, haveIota := msg.Int64(wire.KeyIotaID)
	if !haveIota {
		user, err := s.lookupUser(ctx, msg)
		if errors.Is(err, errMissingIdentifier) {
			s.sendError(msg, wire.TypeErrorInvalidData)
			return
		}
		if err != nil {
			s.sendRepoError(msg, err)
			return
		}
		iotaID = user.IotaID
	}

	iota, err := s.deps.Repo.GetIotaByID(ctx, iotaID)
	if err != nil {
		s.sendRepoError(msg, err)
		return
	}

	response := wire.Response(msg, wire.TypeGetIotaData).
		Set(wire.KeyIotaID, iota.ID).
		Set(wire.KeyPublicKey, iota.PublicKey)
	if primary, ok := s.deps.Presence.GetIotaPrimary(iota.ID); ok {
		response.Set(wire.KeyOmikronID, primary)
	}
	if replicas, ok := s.deps.Presence.GetIotaReplicas(iota.ID); ok {
		response.Set(wire.KeyOmikronConnections, replicas)
	}

	s.send(response)
}

func (s *Session) handleShortenLink(msg *wire.Message) {
	link, ok := msg.String(wire.KeyLink)
	if !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	short := s.deps.Links.Shorten(link)
	s.send(wire.Response(msg, wire.TypeShortenLink).Set(wire.KeyLink, short))
}

func (s *Session) handleGetRegister(msg *wire.Message) {
	id := s.deps.Repo.AllocateRegisterID()
	s.send(wire.Response(msg, wire.TypeGetRegister).Set(wire.KeyUserID, id))
}

func (s *Session) handleCompleteRegisterIota(ctx context.Context, msg *wire.Message) {
	publicKey, ok := msg.String(wire.KeyPublicKey)
	if !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}

	if iotaID, haveID := msg.Int64(wire.KeyIotaID); haveID {
		if err := s.deps.Repo.CompleteRegisterIota(ctx, iotaID, publicKey); err != nil {
			s.sendRepoError(msg, err)
			return
		}
		s.send(wire.Response(msg, wire.TypeSuccess))
		return
	}

	iotaID, err := s.deps.Repo.CreateIota(ctx, publicKey)
	if err != nil {
		s.sendRepoError(msg, err)
		return
	}
	s.send(wire.Response(msg, wire.TypeCompleteRegisterIota).Set(wire.KeyIotaID, iotaID))
}

func (s *Session) handleCompleteRegisterUser(ctx context.Context, msg *wire.Message) {
	userID, haveID := msg.Int64(wire.KeyUserID)
	username, haveName := msg.String(wire.KeyUsername)
	publicKey, haveKey := msg.String(wire.KeyPublicKey)
	privateKeyHash, haveHash := msg.String(wire.KeyPrivateKeyHash)
	iotaID, haveIota := msg.Int64(wire.KeyIotaID)
	resetToken, haveToken := msg.String(wire.KeyResetToken)
	if !haveID || !haveName || !haveKey || !haveHash || !haveIota || !haveToken {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}

	err := s.deps.Repo.RegisterCompleteUser(ctx, &repository.User{
		ID:             userID,
		Username:       username,
		PublicKey:      publicKey,
		PrivateKeyHash: privateKeyHash,
		IotaID:         iotaID,
		Token:          resetToken,
	})
	if err != nil {
		s.send(wire.Response(msg, wire.TypeError).Set(wire.KeyErrorType, err.Error()))
		return
	}
	s.send(wire.Response(msg, wire.TypeSuccess))
}

// handleChangeUserData applies any subset of the mutable user fields. The
// first failing change aborts the remainder and is what gets reported.
func (s *Session) handleChangeUserData(ctx context.Context, msg *wire.Message) {
	userID, ok := msg.Int64(wire.KeyUserID)
	if !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}

	apply := func() error {
		if username, ok := msg.String(wire.KeyUsername); ok {
			if err := s.deps.Repo.ChangeUsername(ctx, userID, username); err != nil {
				return err
			}
		}
		if display, ok := msg.String(wire.KeyDisplay); ok {
			if err := s.deps.Repo.ChangeDisplay(ctx, userID, display); err != nil {
				return err
			}
		}
		if avatar, ok := msg.Bytes(wire.KeyAvatar); ok {
			if err := s.deps.Repo.ChangeAvatar(ctx, userID, avatar); err != nil {
				return err
			}
		}
		if about, ok := msg.String(wire.KeyAbout); ok {
			if err := s.deps.Repo.ChangeAbout(ctx, userID, about); err != nil {
				return err
			}
		}
		if status, ok := msg.String(wire.KeyStatus); ok {
			if err := s.deps.Repo.ChangeStatus(ctx, userID, status); err != nil {
				return err
			}
		}
		if publicKey, ok := msg.String(wire.KeyPublicKey); ok {
			privateKeyHash, okHash := msg.String(wire.KeyPrivateKeyHash)
			if !okHash {
				return errKeyChangeIncomplete
			}
			if err := s.deps.Repo.ChangeKeys(ctx, userID, publicKey, privateKeyHash); err != nil {
				return err
			}
		}
		return nil
	}

	if err := apply(); err != nil {
		if errors.Is(err, errKeyChangeIncomplete) {
			s.sendError(msg, wire.TypeErrorInvalidData)
			return
		}
		s.sendRepoError(msg, err)
		return
	}
	s.send(wire.Response(msg, wire.TypeSuccess))
}

var errKeyChangeIncomplete = errors.New("public_key change requires private_key_hash")

func (s *Session) handleChangeIotaData(ctx context.Context, msg *wire.Message) {
	userID, haveUser := msg.Int64(wire.KeyUserID)
	iotaID, haveIota := msg.Int64(wire.KeyIotaID)
	resetToken, haveToken := msg.String(wire.KeyResetToken)
	newToken, haveNew := msg.String(wire.KeyNewToken)
	if !haveUser || !haveIota || !haveToken || !haveNew {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}

	user, err := s.deps.Repo.GetUserByID(ctx, userID)
	if err != nil {
		s.sendRepoError(msg, err)
		return
	}
	if user.Token != resetToken {
		s.sendError(msg, wire.TypeErrorNotAuthenticated)
		return
	}

	if err := s.deps.Repo.ChangeIotaID(ctx, userID, iotaID); err != nil {
		s.sendRepoError(msg, err)
		return
	}
	if err := s.deps.Repo.ChangeResetToken(ctx, userID, newToken); err != nil {
		s.sendRepoError(msg, err)
		return
	}
	s.send(wire.Response(msg, wire.TypeSuccess))
}

func (s *Session) handleDeleteUser(ctx context.Context, msg *wire.Message) {
	userID, ok := msg.Int64(wire.KeyUserID)
	if !ok {
		userID = msg.Sender
	}
	if userID == 0 {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	if err := s.deps.Repo.DeleteUser(ctx, userID); err != nil {
		s.send(wire.Response(msg, wire.TypeError).Set(wire.KeyErrorType, err.Error()))
		return
	}
	s.send(wire.Response(msg, wire.TypeSuccess))
}

func (s *Session) handleDeleteIota(ctx context.Context, msg *wire.Message) {
	iotaID, ok := msg.Int64(wire.KeyIotaID)
	if !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	if err := s.deps.Repo.DeleteIota(ctx, iotaID); err != nil {
		s.send(wire.Response(msg, wire.TypeError).Set(wire.KeyErrorType, err.Error()))
		return
	}
	s.send(wire.Response(msg, wire.TypeSuccess))
}

func (s *Session) handleGetNotifications(ctx context.Context, msg *wire.Message) {
	userID := msg.Sender
	if userID == 0 {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	notifications, err := s.deps.Repo.GetNotifications(ctx, userID)
	if err != nil {
		s.sendRepoError(msg, err)
		return
	}
	payload := make([]map[string]int64, 0, len(notifications))
	for _, n := range notifications {
		payload = append(payload, map[string]int64{
			wire.KeySenderID: n.SenderID,
			wire.KeyAmount:   n.Amount,
		})
	}
	s.send(wire.Response(msg, wire.TypeGetNotifications).Set(wire.KeyNotifications, payload))
}

func (s *Session) handlePushNotification(ctx context.Context, msg *wire.Message) {
	userID := msg.Sender
	senderID, ok := msg.Int64(wire.KeySenderID)
	if userID == 0 || !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	if err := s.deps.Repo.AddNotification(ctx, userID, senderID); err != nil {
		s.sendRepoError(msg, err)
		return
	}
	s.send(wire.Response(msg, wire.TypePushNotification))
}

func (s *Session) handleReadNotification(ctx context.Context, msg *wire.Message) {
	userID := msg.Sender
	senderID, ok := msg.Int64(wire.KeySenderID)
	if userID == 0 || !ok {
		s.sendError(msg, wire.TypeErrorInvalidData)
		return
	}
	if err := s.deps.Repo.ReadNotification(ctx, userID, senderID); err != nil {
		s.sendRepoError(msg, err)
		return
	}
	s.send(wire.Response(msg, wire.TypeReadNotification))
}
