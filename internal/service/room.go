package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/realtime"
	"crm_chat/internal/repository"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

const maxRoomNameLength = 100

type RoomService interface {
	// OpenDirect returns the direct room of the pair, creating it on first use.
	OpenDirect(ctx context.Context, userID, otherID uuid.UUID) (*domain.RoomSummary, bool, error)
	CreateGroup(ctx context.Context, creatorID uuid.UUID, name string, memberIDs []uuid.UUID) (*domain.RoomSummary, error)
	List(ctx context.Context, userID uuid.UUID, search string) ([]*domain.RoomSummary, error)
	Get(ctx context.Context, roomID, userID uuid.UUID) (*domain.RoomSummary, error)
	Rename(ctx context.Context, roomID, userID uuid.UUID, name string) (*domain.Room, error)
	Invite(ctx context.Context, roomID, inviterID uuid.UUID, userIDs []uuid.UUID) ([]*domain.Participant, error)
	Leave(ctx context.Context, roomID, userID uuid.UUID) error
	UpdateSettings(ctx context.Context, roomID, userID uuid.UUID, settings domain.ParticipantSettings) (*domain.Participant, error)
}

type roomService struct {
	db          *repository.DB
	roomRepo    repository.RoomRepository
	messageRepo repository.MessageRepository
	messages    MessageService
	directory   DirectoryService
	audit       AuditService
	events      eventPublisher
	now         Clock
	log         logger.Logger
}

func NewRoomService(repos *repository.Repositories, messages MessageService, directory DirectoryService, audit AuditService, pub realtime.Publisher, log logger.Logger) RoomService {
	return newRoomService(repos, messages, directory, audit, pub, systemClock, log)
}

func newRoomService(repos *repository.Repositories, messages MessageService, directory DirectoryService, audit AuditService, pub realtime.Publisher, now Clock, log logger.Logger) *roomService {
	return &roomService{
		db:          repos.DB,
		roomRepo:    repos.Room,
		messageRepo: repos.Message,
		messages:    messages,
		directory:   directory,
		audit:       audit,
		events:      eventPublisher{pub: pub, log: log},
		now:         now,
		log:         log,
	}
}

func (s *roomService) OpenDirect(ctx context.Context, userID, otherID uuid.UUID) (*domain.RoomSummary, bool, error) {
	if userID == otherID {
		return nil, false, apperrors.Validation("cannot open a direct room with yourself")
	}
	if _, err := s.directory.GetUser(ctx, otherID); err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	key := domain.DirectKey(userID, otherID)
	room := &domain.Room{
		ID:        uuid.New(),
		Kind:      domain.RoomKindDirect,
		DirectKey: &key,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var created bool
	err := s.db.WithinTx(ctx, func(ctx context.Context) error {
		stored, ok, err := s.roomRepo.CreateDirect(ctx, room)
		if err != nil {
			return err
		}
		room, created = stored, ok
		// a member who left the room gets back in
		for _, id := range []uuid.UUID{userID, otherID} {
			if _, err := s.roomRepo.AddParticipant(ctx, newParticipant(room.ID, id, domain.ParticipantRoleMember, now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.audit.LogEvent(ctx, &userID, domain.ActorRoleUser, &room.ID, domain.AuditRoomCreated, map[string]interface{}{
			"kind":  domain.RoomKindDirect,
			"other": otherID.String(),
		})
	}

	summary, err := s.Get(ctx, room.ID, userID)
	if err != nil {
		return nil, false, err
	}
	return summary, created, nil
}

func (s *roomService) CreateGroup(ctx context.Context, creatorID uuid.UUID, name string, memberIDs []uuid.UUID) (*domain.RoomSummary, error) {
	name, err := validRoomName(name)
	if err != nil {
		return nil, err
	}

	members := make([]uuid.UUID, 0, len(memberIDs))
	for _, id := range dedupeIDs(memberIDs) {
		if id != creatorID {
			members = append(members, id)
		}
	}
	if len(members) == 0 {
		return nil, apperrors.Validation("a group needs at least one other member")
	}
	users, err := s.directory.GetUsers(ctx, append([]uuid.UUID{creatorID}, members...))
	if err != nil {
		return nil, err
	}
	for _, id := range members {
		if _, ok := users[id]; !ok {
			return nil, apperrors.NotFound("user %s not found", id)
		}
	}

	now := s.now().UTC()
	room := &domain.Room{
		ID:        uuid.New(),
		Kind:      domain.RoomKindGroup,
		Name:      &name,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.roomRepo.Create(ctx, room); err != nil {
			return err
		}
		if _, err := s.roomRepo.AddParticipant(ctx, newParticipant(room.ID, creatorID, domain.ParticipantRoleAdmin, now)); err != nil {
			return err
		}
		for _, id := range members {
			if _, err := s.roomRepo.AddParticipant(ctx, newParticipant(room.ID, id, domain.ParticipantRoleMember, now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogEvent(ctx, &creatorID, domain.ActorRoleAdmin, &room.ID, domain.AuditRoomCreated, map[string]interface{}{
		"kind":    domain.RoomKindGroup,
		"name":    name,
		"members": len(members) + 1,
	})
	s.postSystem(ctx, room.ID, fmt.Sprintf("%s created the room", users[creatorID].Name()))

	return s.Get(ctx, room.ID, creatorID)
}

func (s *roomService) List(ctx context.Context, userID uuid.UUID, search string) ([]*domain.RoomSummary, error) {
	rooms, err := s.roomRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries, err := s.summarize(ctx, rooms, userID)
	if err != nil {
		return nil, err
	}

	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return summaries, nil
	}

	out := make([]*domain.RoomSummary, 0, len(summaries))
	for _, rs := range summaries {
		if s.matches(ctx, rs, userID, search) {
			out = append(out, rs)
		}
	}
	return out, nil
}

func (s *roomService) matches(ctx context.Context, rs *domain.RoomSummary, userID uuid.UUID, search string) bool {
	if rs.Name != nil && strings.Contains(strings.ToLower(*rs.Name), search) {
		return true
	}
	if rs.LastMessagePreview != nil && strings.Contains(strings.ToLower(*rs.LastMessagePreview), search) {
		return true
	}
	ids := make([]uuid.UUID, 0, len(rs.Participants))
	for _, p := range rs.Participants {
		if p.UserID != userID {
			ids = append(ids, p.UserID)
		}
	}
	users, err := s.directory.GetUsers(ctx, ids)
	if err != nil {
		s.log.Warn("Failed to resolve participants for search", "error", err, "room_id", rs.ID)
		return false
	}
	for _, u := range users {
		if strings.Contains(strings.ToLower(u.DisplayName), search) {
			return true
		}
	}
	return false
}

func (s *roomService) Get(ctx context.Context, roomID, userID uuid.UUID) (*domain.RoomSummary, error) {
	room, _, err := requireParticipant(ctx, s.roomRepo, roomID, userID)
	if err != nil {
		return nil, err
	}
	summaries, err := s.summarize(ctx, []*domain.Room{room}, userID)
	if err != nil {
		return nil, err
	}
	return summaries[0], nil
}

func (s *roomService) summarize(ctx context.Context, rooms []*domain.Room, userID uuid.UUID) ([]*domain.RoomSummary, error) {
	ids := make([]uuid.UUID, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	byRoom, err := s.roomRepo.ListParticipantsForRooms(ctx, ids)
	if err != nil {
		return nil, err
	}

	var others []uuid.UUID
	for _, r := range rooms {
		if r.IsDirect() {
			if other := domain.OtherParticipant(byRoom[r.ID], userID); other != nil {
				others = append(others, other.UserID)
			}
		}
	}
	users, err := s.directory.GetUsers(ctx, others)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		participants := byRoom[r.ID]
		rs := &domain.RoomSummary{Room: r, Participants: participants}
		for _, p := range participants {
			if p.UserID == userID {
				rs.Me = p
			}
		}
		if r.IsDirect() {
			if other := domain.OtherParticipant(participants, userID); other != nil {
				rs.OtherUser = users[other.UserID]
			}
		}
		if rs.Me != nil {
			n, err := s.messageRepo.CountUnread(ctx, r.ID, userID, rs.Me.LastReadAt)
			if err != nil {
				return nil, err
			}
			rs.UnreadCount = n
		}
		out = append(out, rs)
	}
	return out, nil
}

func (s *roomService) Rename(ctx context.Context, roomID, userID uuid.UUID, name string) (*domain.Room, error) {
	name, err := validRoomName(name)
	if err != nil {
		return nil, err
	}
	room, p, err := requireParticipant(ctx, s.roomRepo, roomID, userID)
	if err != nil {
		return nil, err
	}
	if room.IsDirect() {
		return nil, apperrors.InvalidState("direct rooms cannot be renamed")
	}
	if p.Role != domain.ParticipantRoleAdmin {
		return nil, apperrors.Authorization("only the room admin can rename the room")
	}

	now := s.now().UTC()
	if err := s.roomRepo.UpdateName(ctx, roomID, name, now); err != nil {
		return nil, err
	}
	room.Name = &name
	room.UpdatedAt = now

	s.audit.LogEvent(ctx, &userID, domain.ActorRoleAdmin, &roomID, domain.AuditRoomRenamed, map[string]interface{}{"name": name})
	s.events.publish(ctx, domain.EventRoomUpdated, roomID, &userID, room)
	s.postSystem(ctx, roomID, fmt.Sprintf("%s renamed the room to %q", s.userName(ctx, userID), name))
	return room, nil
}

func (s *roomService) Invite(ctx context.Context, roomID, inviterID uuid.UUID, userIDs []uuid.UUID) ([]*domain.Participant, error) {
	room, _, err := requireParticipant(ctx, s.roomRepo, roomID, inviterID)
	if err != nil {
		return nil, err
	}
	if room.IsDirect() {
		return nil, apperrors.InvalidState("cannot invite users to a direct room")
	}
	userIDs = dedupeIDs(userIDs)
	if len(userIDs) == 0 {
		return nil, apperrors.Validation("no users to invite")
	}
	users, err := s.directory.GetUsers(ctx, append([]uuid.UUID{inviterID}, userIDs...))
	if err != nil {
		return nil, err
	}
	for _, id := range userIDs {
		if _, ok := users[id]; !ok {
			return nil, apperrors.NotFound("user %s not found", id)
		}
	}

	now := s.now().UTC()
	var added []*domain.Participant
	err = s.db.WithinTx(ctx, func(ctx context.Context) error {
		for _, id := range userIDs {
			p := newParticipant(roomID, id, domain.ParticipantRoleMember, now)
			ok, err := s.roomRepo.AddParticipant(ctx, p)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return added, nil
	}

	names := make([]string, 0, len(added))
	ids := make([]string, 0, len(added))
	for _, p := range added {
		names = append(names, users[p.UserID].Name())
		ids = append(ids, p.UserID.String())
		s.events.publish(ctx, domain.EventParticipantJoined, roomID, &inviterID, p)
	}
	s.audit.LogEvent(ctx, &inviterID, domain.ActorRoleUser, &roomID, domain.AuditParticipantsAdded, map[string]interface{}{"user_ids": ids})
	s.postSystem(ctx, roomID, fmt.Sprintf("%s invited %s", users[inviterID].Name(), strings.Join(names, ", ")))
	return added, nil
}

// Leave removes the caller's membership. Messages stay. When the last admin of
// a group leaves, the longest-standing member takes over.
func (s *roomService) Leave(ctx context.Context, roomID, userID uuid.UUID) error {
	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return err
	}

	var successor *domain.Participant
	err = s.db.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.roomRepo.GetParticipant(ctx, roomID, userID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return apperrors.Conflict("not a participant of this room")
			}
			return err
		}
		removed, err := s.roomRepo.RemoveParticipant(ctx, roomID, userID)
		if err != nil {
			return err
		}
		if !removed {
			return apperrors.Conflict("not a participant of this room")
		}
		if p.Role != domain.ParticipantRoleAdmin || room.IsDirect() {
			return nil
		}

		remaining, err := s.roomRepo.ListParticipants(ctx, roomID)
		if err != nil {
			return err
		}
		successor = nextAdmin(remaining)
		if successor == nil {
			return nil
		}
		successor.Role = domain.ParticipantRoleAdmin
		return s.roomRepo.SetParticipantRole(ctx, roomID, successor.UserID, domain.ParticipantRoleAdmin)
	})
	if err != nil {
		return err
	}

	s.audit.LogEvent(ctx, &userID, domain.ActorRoleUser, &roomID, domain.AuditParticipantLeft, nil)
	s.events.publish(ctx, domain.EventParticipantLeft, roomID, &userID, map[string]string{"user_id": userID.String()})
	if successor != nil {
		s.audit.LogEvent(ctx, nil, domain.ActorRoleSystem, &roomID, domain.AuditAdminHandedOff, map[string]interface{}{
			"from": userID.String(),
			"to":   successor.UserID.String(),
		})
		s.events.publish(ctx, domain.EventParticipantUpdated, roomID, nil, successor)
	}
	s.postSystem(ctx, roomID, fmt.Sprintf("%s left the room", s.userName(ctx, userID)))
	return nil
}

// nextAdmin picks the earliest joined member unless an admin remains.
func nextAdmin(remaining []*domain.Participant) *domain.Participant {
	if len(remaining) == 0 {
		return nil
	}
	for _, p := range remaining {
		if p.Role == domain.ParticipantRoleAdmin {
			return nil
		}
	}
	sorted := append([]*domain.Participant(nil), remaining...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
	})
	return sorted[0]
}

func (s *roomService) UpdateSettings(ctx context.Context, roomID, userID uuid.UUID, settings domain.ParticipantSettings) (*domain.Participant, error) {
	if settings.NotificationSetting != nil && !domain.ValidNotificationSetting(*settings.NotificationSetting) {
		return nil, apperrors.Validation("unknown notification setting %q", *settings.NotificationSetting)
	}
	if _, _, err := requireParticipant(ctx, s.roomRepo, roomID, userID); err != nil {
		return nil, err
	}
	if err := s.roomRepo.UpdateParticipantSettings(ctx, roomID, userID, settings); err != nil {
		return nil, err
	}
	p, err := s.roomRepo.GetParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	s.events.publish(ctx, domain.EventParticipantUpdated, roomID, &userID, p)
	return p, nil
}

func (s *roomService) postSystem(ctx context.Context, roomID uuid.UUID, content string) {
	if _, err := s.messages.PostSystem(ctx, roomID, content); err != nil {
		s.log.Warn("Failed to post system message", "error", err, "room_id", roomID)
	}
}

func (s *roomService) userName(ctx context.Context, userID uuid.UUID) string {
	u, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		return (*domain.User)(nil).Name()
	}
	return u.Name()
}

func newParticipant(roomID, userID uuid.UUID, role string, at time.Time) *domain.Participant {
	return &domain.Participant{
		RoomID:              roomID,
		UserID:              userID,
		Role:                role,
		JoinedAt:            at,
		NotificationSetting: domain.NotifyAll,
	}
}

func validRoomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.Validation("room name is required")
	}
	if utf8.RuneCountInString(name) > maxRoomNameLength {
		return "", apperrors.Validation("room name exceeds %d characters", maxRoomNameLength)
	}
	return name, nil
}
