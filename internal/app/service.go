package app

import (
	"context"
	"log"
	"net/http"
	"sort"
	"time"
	"unicode/utf8"

	"labhub/internal/access"
	"labhub/internal/config"
	"labhub/internal/identity"
	"labhub/internal/rbac"
	"labhub/internal/realtime"
	"labhub/internal/store"
	"labhub/internal/typing"
	"labhub/internal/util"
)

const (
	maxContentLength = 10000
	maxHistoryLimit  = 100
)

var allowedMessageTypes = map[string]struct{}{
	"text":  {},
	"image": {},
	"file":  {},
}

// dataStore is the persistence surface the collaboration core consumes.
// The postgres store satisfies it; tests substitute a fakeStore.
type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	ListManagerIDs(context.Context) ([]string, error)

	ResourceExists(ctx context.Context, roomType, roomID string) (bool, error)
	AssignedUserIDs(ctx context.Context, roomType, roomID string) ([]string, error)
	TaskAssignment(context.Context, string) (store.TaskAssignment, error)
	GetTask(context.Context, string) (store.Task, error)

	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string) (store.Message, error)
	UpdateMessageContent(ctx context.Context, messageID, content string, editedAt time.Time) error
	SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time) error
	ListMessages(ctx context.Context, roomType, roomID string, limit int, cursor string) ([]store.Message, bool, error)

	InsertNotification(context.Context, store.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID, userID string) (bool, error)
	MarkRoomNotificationsRead(ctx context.Context, userID, roomType, roomID string) error
	UnreadNotificationCount(ctx context.Context, userID string) (int, error)

	AssignTask(ctx context.Context, taskID string, userIDs []string) (store.TaskAssignment, []string, error)
	SetTaskStatus(ctx context.Context, taskID, status string) (store.Task, store.ProgressUpdate, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	guard    *access.Guard
	b        realtime.Broadcaster
	typing   *typing.Tracker
	resolver identity.Resolver
	now      func() time.Time
}

func New(cfg config.Config, dataStore dataStore, broadcaster realtime.Broadcaster, resolver identity.Resolver) *Service {
	ttl := cfg.TypingTTL
	if ttl <= 0 {
		ttl = 4 * time.Second
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		guard:    access.NewGuard(dataStore),
		b:        broadcaster,
		typing:   typing.NewTracker(ttl),
		resolver: resolver,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ResolveIdentity(ctx context.Context, credential string) (identity.Identity, error) {
	return s.resolver.Resolve(ctx, credential)
}

// RevokeCredential invalidates the credential's session so later resolves
// reject it. A no-op for resolvers that delegate session lifetime to an
// external issuer.
func (s *Service) RevokeCredential(ctx context.Context, credential string) error {
	revoker, ok := s.resolver.(identity.Revoker)
	if !ok {
		return nil
	}
	return revoker.Revoke(ctx, credential)
}

// CanAccessRoom and RequireRoomAccess expose the access guard to both
// entry points. Every REST handler and every socket command goes through
// here; there is no second visibility rule anywhere.
func (s *Service) CanAccessRoom(ctx context.Context, ident identity.Identity, roomType, roomID string) (bool, error) {
	return s.guard.CanAccess(ctx, ident.UserID, ident.Role, roomType, roomID)
}

func (s *Service) RequireRoomAccess(ctx context.Context, ident identity.Identity, roomType, roomID string) error {
	return s.guard.RequireAccess(ctx, ident.UserID, ident.Role, roomType, roomID)
}

type SendMessageInput struct {
	RoomType  string
	RoomID    string
	Type      string
	Content   string
	FileID    *string
	FileName  *string
	FileSize  *int64
	MimeType  *string
	ReplyToID *string
}

// SendMessage persists the message, broadcasts message:new to the room
// (the sender gets a direct echo), and kicks off notification fan-out in
// the background. The room broadcast never waits on fan-out persistence.
func (s *Service) SendMessage(ctx context.Context, ident identity.Identity, input SendMessageInput) (store.Message, error) {
	if err := s.RequireRoomAccess(ctx, ident, input.RoomType, input.RoomID); err != nil {
		return store.Message{}, err
	}

	if input.Type == "" {
		input.Type = "text"
	}
	if _, ok := allowedMessageTypes[input.Type]; !ok {
		return store.Message{}, validationError("unsupported message type")
	}
	if n := utf8.RuneCountInString(input.Content); n < 1 || n > maxContentLength {
		return store.Message{}, validationError("content must be 1-10000 characters")
	}
	if input.Type != "text" && (input.FileID == nil || input.FileName == nil) {
		return store.Message{}, validationError("file messages require file metadata")
	}
	if input.ReplyToID != nil {
		parent, err := s.store.GetMessage(ctx, *input.ReplyToID)
		if err != nil {
			return store.Message{}, validationError("replyTo message not found")
		}
		if parent.RoomType != input.RoomType || parent.RoomID != input.RoomID {
			return store.Message{}, validationError("replyTo message belongs to another room")
		}
	}

	message := store.Message{
		ID:        util.NewID("msg"),
		RoomType:  input.RoomType,
		RoomID:    input.RoomID,
		SenderID:  ident.UserID,
		Type:      input.Type,
		Content:   input.Content,
		FileID:    input.FileID,
		FileName:  input.FileName,
		FileSize:  input.FileSize,
		MimeType:  input.MimeType,
		ReplyToID: input.ReplyToID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return store.Message{}, err
	}

	// sending ends the sender's typing state
	s.stopTyping(ident, input.RoomType, input.RoomID)

	room := realtime.RoomKey{Type: message.RoomType, ID: message.RoomID}
	payload := toMessagePayload(message)
	s.b.ToRoom(room, EventMessageNew, payload, ident.UserID)
	s.b.ToUser(ident.UserID, EventMessageNew, payload)

	go s.fanOutMessage(context.WithoutCancel(ctx), message, ident)

	return message, nil
}

// EditMessage lets the original sender change the content. Everyone in the
// room sees message:edited.
func (s *Service) EditMessage(ctx context.Context, ident identity.Identity, messageID, content string) (store.Message, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if message.SenderID != ident.UserID {
		return store.Message{}, domainError(http.StatusForbidden, "PERMISSION_DENIED", "Only the sender may edit a message", nil)
	}
	if n := utf8.RuneCountInString(content); n < 1 || n > maxContentLength {
		return store.Message{}, validationError("content must be 1-10000 characters")
	}

	editedAt := s.now().UTC()
	if err := s.store.UpdateMessageContent(ctx, messageID, content, editedAt); err != nil {
		return store.Message{}, err
	}
	message.Content = content
	message.EditedAt = &editedAt

	room := realtime.RoomKey{Type: message.RoomType, ID: message.RoomID}
	s.b.ToRoom(room, EventMessageEdited, toMessagePayload(message), "")
	return message, nil
}

// DeleteMessage soft-deletes. The sender may delete their own message;
// managers may delete any.
func (s *Service) DeleteMessage(ctx context.Context, ident identity.Identity, messageID string) error {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if message.SenderID != ident.UserID && !rbac.Can(ident.Role, rbac.ActionDeleteAny) {
		return domainError(http.StatusForbidden, "PERMISSION_DENIED", "Not allowed to delete this message", nil)
	}

	if err := s.store.SoftDeleteMessage(ctx, messageID, s.now().UTC()); err != nil {
		return err
	}

	room := realtime.RoomKey{Type: message.RoomType, ID: message.RoomID}
	s.b.ToRoom(room, EventMessageDeleted, MessageDeletedEvent{
		MessageID: messageID,
		RoomType:  message.RoomType,
		RoomID:    message.RoomID,
	}, "")
	return nil
}

// History returns one page of the room's messages, oldest to newest,
// soft-deleted rows excluded. The cursor is the id of the page's oldest
// message, so pagination stays stable under concurrent inserts.
func (s *Service) History(ctx context.Context, ident identity.Identity, roomType, roomID string, limit int, cursor string) (HistoryEvent, error) {
	if err := s.RequireRoomAccess(ctx, ident, roomType, roomID); err != nil {
		return HistoryEvent{}, err
	}

	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, hasMore, err := s.store.ListMessages(ctx, roomType, roomID, limit, cursor)
	if err != nil {
		return HistoryEvent{}, err
	}

	page := HistoryEvent{
		RoomType: roomType,
		RoomID:   roomID,
		Messages: make([]MessagePayload, 0, len(messages)),
		HasMore:  hasMore,
	}
	for _, m := range messages {
		page.Messages = append(page.Messages, toMessagePayload(m))
	}
	if hasMore && len(messages) > 0 {
		page.NextCursor = messages[0].ID
	}
	return page, nil
}

// MarkMessageRead flips the reader's notifications for the message's room.
// The client's badge count comes from notification state, so this is what
// the message:read command means server-side.
func (s *Service) MarkMessageRead(ctx context.Context, ident identity.Identity, messageID string) error {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return s.store.MarkRoomNotificationsRead(ctx, ident.UserID, message.RoomType, message.RoomID)
}

// MarkRoomRead is the REST form of message:read, keyed by room instead of
// by message.
func (s *Service) MarkRoomRead(ctx context.Context, ident identity.Identity, roomType, roomID string) error {
	if !store.ValidRoomType(roomType) {
		return validationError("unknown room type")
	}
	return s.store.MarkRoomNotificationsRead(ctx, ident.UserID, roomType, roomID)
}

func (s *Service) Notifications(ctx context.Context, ident identity.Identity, unreadOnly bool) ([]NotificationPayload, error) {
	items, err := s.store.ListNotifications(ctx, ident.UserID, unreadOnly, 100)
	if err != nil {
		return nil, err
	}
	payloads := make([]NotificationPayload, 0, len(items))
	for _, n := range items {
		payloads = append(payloads, toNotificationPayload(n))
	}
	return payloads, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, ident identity.Identity, notificationID string) error {
	ok, err := s.store.MarkNotificationRead(ctx, notificationID, ident.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Notification not found", nil)
	}
	return nil
}

func (s *Service) UnreadNotificationCount(ctx context.Context, ident identity.Identity) (int, error) {
	return s.store.UnreadNotificationCount(ctx, ident.UserID)
}

// StartTyping refreshes the caller's typing entry and broadcasts
// typing:started on the first start. Membership in the room is checked by
// the socket layer; typing never hits the database.
func (s *Service) StartTyping(ident identity.Identity, roomType, roomID string) {
	key := typing.Key{RoomType: roomType, RoomID: roomID}
	if s.typing.Start(key, ident.UserID) {
		s.b.ToRoom(realtime.RoomKey{Type: roomType, ID: roomID}, EventTypingStarted, TypingEvent{
			RoomType: roomType,
			RoomID:   roomID,
			UserID:   ident.UserID,
			UserName: ident.UserName,
		}, ident.UserID)
	}
}

func (s *Service) StopTyping(ident identity.Identity, roomType, roomID string) {
	s.stopTyping(ident, roomType, roomID)
}

// StopTypingEverywhere clears the user's typing state across all rooms,
// broadcasting typing:stopped where an entry existed. Called on
// disconnect.
func (s *Service) StopTypingEverywhere(ident identity.Identity) {
	for _, room := range s.typing.StopAll(ident.UserID) {
		s.broadcastTypingStopped(room, ident.UserID)
	}
}

// RunTypingJanitor expires stale typing entries until ctx ends, so a
// dropped connection cannot leave a stuck indicator.
func (s *Service) RunTypingJanitor(ctx context.Context) {
	interval := s.cfg.TypingTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	s.typing.Run(ctx, interval, func(entry typing.Entry) {
		s.broadcastTypingStopped(entry.Room, entry.UserID)
	})
}

func (s *Service) stopTyping(ident identity.Identity, roomType, roomID string) {
	key := typing.Key{RoomType: roomType, RoomID: roomID}
	if s.typing.Stop(key, ident.UserID) {
		s.broadcastTypingStopped(key, ident.UserID)
	}
}

func (s *Service) broadcastTypingStopped(room typing.Key, userID string) {
	s.b.ToRoom(realtime.RoomKey{Type: room.RoomType, ID: room.RoomID}, EventTypingStopped, TypingEvent{
		RoomType: room.RoomType,
		RoomID:   room.RoomID,
		UserID:   userID,
	}, userID)
}

// resolveRecipients computes the full interest set for a room's events,
// independent of live membership: for a task, its creator plus both
// assignment mechanisms; for a study or project, every manager plus every
// researcher assigned somewhere in the scope. It walks the same
// assignment-graph queries the access guard uses, so visibility and
// notification can never diverge.
func (s *Service) resolveRecipients(ctx context.Context, roomType, roomID, excludeUserID string) ([]string, error) {
	set := make(map[string]struct{})

	switch roomType {
	case store.RoomTask:
		assignment, err := s.store.TaskAssignment(ctx, roomID)
		if err != nil {
			return nil, err
		}
		set[assignment.CreatorID] = struct{}{}
		if assignment.LegacyAssigneeID != nil {
			set[*assignment.LegacyAssigneeID] = struct{}{}
		}
		for _, id := range assignment.AssigneeIDs {
			set[id] = struct{}{}
		}
	case store.RoomStudy, store.RoomProject:
		managers, err := s.store.ListManagerIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range managers {
			set[id] = struct{}{}
		}
		assigned, err := s.store.AssignedUserIDs(ctx, roomType, roomID)
		if err != nil {
			return nil, err
		}
		for _, id := range assigned {
			set[id] = struct{}{}
		}
	default:
		return nil, validationError("unknown room type")
	}

	delete(set, excludeUserID)

	recipients := make([]string, 0, len(set))
	for id := range set {
		recipients = append(recipients, id)
	}
	sort.Strings(recipients)
	return recipients, nil
}

// notify persists one notification per recipient, then pushes
// notification:new to each. Every row is committed before the first push
// goes out: the client's push handler re-queries notification state, and a
// push that outran its row would show a stale badge. A failed insert is
// logged and skipped; it never blocks the other recipients.
func (s *Service) notify(ctx context.Context, recipients []string, build func(recipientID string) store.Notification) {
	persisted := make([]store.Notification, 0, len(recipients))
	for _, recipientID := range recipients {
		n := build(recipientID)
		if err := s.store.InsertNotification(ctx, n); err != nil {
			log.Printf("notify %s: %v", recipientID, err)
			continue
		}
		persisted = append(persisted, n)
	}

	for _, n := range persisted {
		s.b.ToUser(n.RecipientID, EventNotificationNew, NotificationEvent{
			Notification: toNotificationPayload(n),
			TargetUserID: n.RecipientID,
		})
	}
}

func (s *Service) fanOutMessage(ctx context.Context, message store.Message, sender identity.Identity) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	recipients, err := s.resolveRecipients(ctx, message.RoomType, message.RoomID, message.SenderID)
	if err != nil {
		log.Printf("resolve recipients for %s/%s: %v", message.RoomType, message.RoomID, err)
		return
	}

	title := "New message"
	if sender.UserName != "" {
		title = "New message from " + sender.UserName
	}
	body := message.Content
	if utf8.RuneCountInString(body) > 140 {
		body = string([]rune(body)[:140])
	}
	actionURL := "/rooms/" + message.RoomType + "/" + message.RoomID

	s.notify(ctx, recipients, func(recipientID string) store.Notification {
		return store.Notification{
			ID:          util.NewID("ntf"),
			RecipientID: recipientID,
			Type:        "message",
			Title:       title,
			Body:        body,
			RoomType:    &message.RoomType,
			RoomID:      &message.RoomID,
			SenderID:    &message.SenderID,
			SenderName:  &sender.UserName,
			ActionURL:   &actionURL,
			CreatedAt:   s.now().UTC(),
		}
	})
}
