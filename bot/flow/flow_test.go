package flow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/m3rciful/anonbot/bot/i18n"
	"github.com/m3rciful/anonbot/bot/refcode"
	"github.com/m3rciful/anonbot/bot/relay"
	"github.com/m3rciful/anonbot/bot/session"
	"github.com/m3rciful/anonbot/bot/storage"
	tele "gopkg.in/telebot.v4"
)

const (
	adminID  = int64(1)
	aliceID  = int64(10)
	bobID    = int64(20)
	caroleID = int64(30)
)

type sent struct {
	chatID   int64
	text     string
	mode     string // text, html, md, content, forward
	content  relay.Content
	entities tele.Entities
	kb       *tele.ReplyMarkup
}

type fakeCourier struct {
	username    string
	members     map[string]map[int64]bool
	profiles    map[int64][2]string
	failText    map[int64]bool
	failContent map[int64]bool
	sent        []sent
}

func newFakeCourier() *fakeCourier {
	return &fakeCourier{
		username:    "testbot",
		members:     map[string]map[int64]bool{},
		profiles:    map[int64][2]string{},
		failText:    map[int64]bool{},
		failContent: map[int64]bool{},
	}
}

func (f *fakeCourier) SendText(_ context.Context, chatID int64, text string, entities tele.Entities, kb *tele.ReplyMarkup) error {
	if f.failText[chatID] {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, sent{chatID: chatID, text: text, mode: "text", entities: entities, kb: kb})
	return nil
}

func (f *fakeCourier) SendHTML(_ context.Context, chatID int64, text string, kb *tele.ReplyMarkup) error {
	f.sent = append(f.sent, sent{chatID: chatID, text: text, mode: "html", kb: kb})
	return nil
}

func (f *fakeCourier) SendMarkdown(_ context.Context, chatID int64, text string) error {
	f.sent = append(f.sent, sent{chatID: chatID, text: text, mode: "md"})
	return nil
}

func (f *fakeCourier) SendContent(_ context.Context, chatID int64, c relay.Content, kb *tele.ReplyMarkup) error {
	if f.failContent[chatID] {
		return errors.New("media refused")
	}
	f.sent = append(f.sent, sent{chatID: chatID, mode: "content", content: c, kb: kb})
	return nil
}

func (f *fakeCourier) Forward(_ context.Context, toChatID, _ int64, _ int) error {
	if f.failText[toChatID] {
		return errors.New("forward failed")
	}
	f.sent = append(f.sent, sent{chatID: toChatID, mode: "forward"})
	return nil
}

func (f *fakeCourier) IsMember(_ context.Context, channelID string, userID int64) (bool, error) {
	return f.members[channelID][userID], nil
}

func (f *fakeCourier) Profile(_ context.Context, userID int64) (string, string, error) {
	pr, ok := f.profiles[userID]
	if !ok {
		return "", "", errors.New("chat not found")
	}
	return pr[0], pr[1], nil
}

func (f *fakeCourier) Username() string { return f.username }

func (f *fakeCourier) to(chatID int64) []sent {
	var out []sent
	for _, s := range f.sent {
		if s.chatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeCourier) lastTo(t *testing.T, chatID int64) sent {
	t.Helper()
	msgs := f.to(chatID)
	if len(msgs) == 0 {
		t.Fatalf("no messages sent to %d", chatID)
	}
	return msgs[len(msgs)-1]
}

type fakeStore struct {
	users     map[int64]*storage.User
	banned    map[int64]bool
	bannedErr map[int64]bool
	blocks    map[[2]int64]bool
	channels  []storage.Channel
	messages  map[string]storage.Message
	referrals map[[2]int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[int64]*storage.User{},
		banned:    map[int64]bool{},
		bannedErr: map[int64]bool{},
		blocks:    map[[2]int64]bool{},
		messages:  map[string]storage.Message{},
		referrals: map[[2]int64]bool{},
	}
}

func (f *fakeStore) UpsertUser(_ context.Context, id int64, firstName, username string) error {
	u, ok := f.users[id]
	if !ok {
		u = &storage.User{ID: id}
		f.users[id] = u
	}
	if firstName != "" {
		u.FirstName = sql.NullString{String: firstName, Valid: true}
	}
	if username != "" {
		u.Username = sql.NullString{String: username, Valid: true}
	}
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (*storage.User, error) {
	return f.users[id], nil
}

func (f *fakeStore) SetLanguage(_ context.Context, id int64, lang string) error {
	if u, ok := f.users[id]; ok {
		u.Language = lang
	}
	return nil
}

func (f *fakeStore) Language(_ context.Context, id int64) (string, error) {
	if u, ok := f.users[id]; ok {
		return u.Language, nil
	}
	return "", nil
}

func (f *fakeStore) UserIDByCustomRef(_ context.Context, slug string) (int64, error) {
	for id, u := range f.users {
		if u.CustomRef.Valid && u.CustomRef.String == slug {
			return id, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) HasDefaultRef(_ context.Context, id int64) (bool, error) {
	u, ok := f.users[id]
	return ok && !u.CustomRef.Valid, nil
}

func (f *fakeStore) IsRefTaken(ctx context.Context, slug string) (bool, error) {
	id, _ := f.UserIDByCustomRef(ctx, slug)
	return id != 0, nil
}

func (f *fakeStore) SetCustomRef(_ context.Context, id int64, slug string) error {
	f.users[id].CustomRef = sql.NullString{String: slug, Valid: true}
	return nil
}

func (f *fakeStore) AllUserIDs(_ context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(f.users))
	for _, id := range []int64{adminID, aliceID, bobID, caroleID} {
		if _, ok := f.users[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) BanUser(_ context.Context, id int64) error {
	f.banned[id] = true
	return nil
}

func (f *fakeStore) UnbanUser(_ context.Context, id int64) (bool, error) {
	was := f.banned[id]
	delete(f.banned, id)
	return was, nil
}

func (f *fakeStore) IsBanned(_ context.Context, id int64) (bool, error) {
	if f.bannedErr[id] {
		return false, errors.New("ban lookup failed")
	}
	return f.banned[id], nil
}

func (f *fakeStore) AddBlock(_ context.Context, ownerID, targetID int64) error {
	f.blocks[[2]int64{ownerID, targetID}] = true
	return nil
}

func (f *fakeStore) RemoveBlock(_ context.Context, ownerID, targetID int64) (bool, error) {
	key := [2]int64{ownerID, targetID}
	was := f.blocks[key]
	delete(f.blocks, key)
	return was, nil
}

func (f *fakeStore) IsBlocked(_ context.Context, ownerID, targetID int64) (bool, error) {
	return f.blocks[[2]int64{ownerID, targetID}], nil
}

func (f *fakeStore) CountBlocks(_ context.Context, ownerID int64) (int, error) {
	n := 0
	for key := range f.blocks {
		if key[0] == ownerID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClearBlocks(_ context.Context, ownerID int64) error {
	for key := range f.blocks {
		if key[0] == ownerID {
			delete(f.blocks, key)
		}
	}
	return nil
}

func (f *fakeStore) ReplaceChannels(_ context.Context, channels []storage.Channel) error {
	f.channels = channels
	return nil
}

func (f *fakeStore) ListChannels(_ context.Context) ([]storage.Channel, error) {
	return f.channels, nil
}

func (f *fakeStore) ClearChannels(_ context.Context) error {
	f.channels = nil
	return nil
}

func (f *fakeStore) SaveMessage(_ context.Context, m storage.Message) error {
	f.messages[m.Token] = m
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, token string) (*storage.Message, error) {
	if m, ok := f.messages[token]; ok {
		return &m, nil
	}
	return nil, nil
}

func (f *fakeStore) AddReferral(_ context.Context, referrerID, referredID int64) error {
	f.referrals[[2]int64{referrerID, referredID}] = true
	return nil
}

func (f *fakeStore) BotStats(_ context.Context) (storage.Stats, error) {
	return storage.Stats{Users: len(f.users), Banned: len(f.banned), Messages: len(f.messages)}, nil
}

func (f *fakeStore) UserStats(_ context.Context, userID int64) (storage.UserCounters, error) {
	var c storage.UserCounters
	for _, m := range f.messages {
		if m.ReceiverID == userID {
			c.TotalMessages++
		}
	}
	for key := range f.referrals {
		if key[0] == userID {
			c.TotalReferrals++
		}
	}
	for key := range f.blocks {
		if key[0] == userID {
			c.Blocks++
		}
	}
	c.Rank = 1
	return c, nil
}

func (f *fakeStore) TopUsers(_ context.Context, limit int) ([]storage.TopUser, error) {
	var top []storage.TopUser
	for id, u := range f.users {
		if len(top) == limit {
			break
		}
		top = append(top, storage.TopUser{ID: id, FirstName: u.FirstName, Username: u.Username})
	}
	return top, nil
}

type fixture struct {
	machine  *Machine
	store    *fakeStore
	courier  *fakeCourier
	sessions *session.MemoryStore
	bundle   *i18n.Bundle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bundle, err := i18n.Load()
	if err != nil {
		t.Fatalf("load locales: %v", err)
	}
	store := newFakeStore()
	courier := newFakeCourier()
	sessions := session.NewMemoryStore()
	machine := New(Options{
		Store:    store,
		Sessions: sessions,
		Courier:  courier,
		Bundle:   bundle,
		AdminID:  adminID,
	})
	for _, id := range []int64{adminID, aliceID, bobID, caroleID} {
		store.users[id] = &storage.User{ID: id}
	}
	return &fixture{machine: machine, store: store, courier: courier, sessions: sessions, bundle: bundle}
}

func (fx *fixture) t(key string, params ...i18n.Params) string {
	return fx.bundle.T(i18n.DefaultLang, key, params...)
}

func (fx *fixture) session(t *testing.T, userID int64) *session.Session {
	t.Helper()
	s, err := fx.sessions.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}

func actor(id int64) Actor {
	return Actor{ID: id, FirstName: fmt.Sprintf("user%d", id), Username: fmt.Sprintf("u%d", id)}
}

func bobRefCode() string { return refcode.Encode(bobID) }

func TestStartWithoutArgsSendsOwnLink(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Start(ctx, actor(aliceID), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	last := fx.courier.lastTo(t, aliceID)
	wantLink := refcode.Link("testbot", refcode.Encode(aliceID))
	if !strings.Contains(last.text, wantLink) {
		t.Fatalf("own link message %q does not contain %q", last.text, wantLink)
	}
	if fx.session(t, aliceID) != nil {
		t.Fatal("plain /start must not create a session")
	}
}

func TestStartWithRefCodeOpensSendSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := fx.session(t, aliceID)
	if sess == nil || sess.Step != session.StepSend {
		t.Fatalf("session = %+v, want send step", sess)
	}
	if sess.Payload.(session.SendTarget).ReceiverID != bobID {
		t.Fatalf("receiver = %+v", sess.Payload)
	}
	if !fx.store.referrals[[2]int64{bobID, aliceID}] {
		t.Fatal("referral not recorded")
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("send_message") {
		t.Fatalf("prompt = %q", got)
	}
}

func TestStartSelfLinkRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Start(ctx, actor(aliceID), []string{refcode.Encode(aliceID)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("self_message") {
		t.Fatalf("got %q, want self_message", got)
	}
	if fx.session(t, aliceID) != nil {
		t.Fatal("self link must not create a session")
	}
}

func TestStartInvalidCode(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Start(ctx, actor(aliceID), []string{"???"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("invalid_link") {
		t.Fatalf("got %q, want invalid_link", got)
	}
}

func TestCustomRefDisablesEncodedLink(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.SetCustomRef(ctx, actor(bobID), []string{"bobby_20"}); err != nil {
		t.Fatalf("set custom ref: %v", err)
	}
	// Old encoded link stops resolving.
	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("invalid_link") {
		t.Fatalf("encoded link should be invalid, got %q", got)
	}
	// The slug resolves.
	if err := fx.machine.Start(ctx, actor(aliceID), []string{"bobby_20"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := fx.session(t, aliceID)
	if sess == nil || sess.Payload.(session.SendTarget).ReceiverID != bobID {
		t.Fatalf("session = %+v", sess)
	}
}

func TestSendFlowDeliversAndCleansUp(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.courier.profiles[bobID] = [2]string{"Bob", "bobby"}

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "hello bob"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if fx.session(t, aliceID) != nil {
		t.Fatal("session must be deleted after send")
	}
	if len(fx.store.messages) != 1 {
		t.Fatalf("archived %d messages, want 1", len(fx.store.messages))
	}

	delivered := fx.courier.lastTo(t, bobID)
	if delivered.mode != "text" {
		t.Fatalf("relayed text must be unparsed, mode=%s", delivered.mode)
	}
	if !strings.Contains(delivered.text, "hello bob") {
		t.Fatalf("delivered %q", delivered.text)
	}
	if delivered.kb == nil || len(delivered.kb.InlineKeyboard) != 1 {
		t.Fatal("delivered copy must carry the block button")
	}

	// Sender gets the confirmation and their link again.
	texts := fx.courier.to(aliceID)
	if len(texts) < 3 {
		t.Fatalf("sender got %d messages", len(texts))
	}
	if texts[len(texts)-2].text != fx.t("message_sent") {
		t.Fatalf("confirmation = %q", texts[len(texts)-2].text)
	}
}

func TestRelayedTextKeepsFormattingSpans(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	spans := tele.Entities{{Type: tele.EntityBold, Offset: 0, Length: 5}}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "hello bob", Entities: spans},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	delivered := fx.courier.lastTo(t, bobID)
	if len(delivered.entities) != 1 {
		t.Fatalf("delivered entities = %+v", delivered.entities)
	}
	// The span must land on the user text inside the template, offset in
	// UTF-16 code units.
	prefix := delivered.text[:strings.Index(delivered.text, "hello bob")]
	wantOffset := len(utf16.Encode([]rune(prefix)))
	got := delivered.entities[0]
	if got.Type != tele.EntityBold || got.Offset != wantOffset || got.Length != 5 {
		t.Fatalf("span = %+v, want bold at offset %d length 5", got, wantOffset)
	}
	if spans[0].Offset != 0 {
		t.Fatalf("caller's spans mutated: %+v", spans)
	}
}

func TestMediaCaptionKeepsFormattingSpans(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content: relay.Content{
			Kind:     relay.KindPhoto,
			FileID:   "ph",
			Caption:  "look",
			Entities: tele.Entities{{Type: tele.EntityItalic, Offset: 0, Length: 4}},
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	delivered := fx.courier.lastTo(t, bobID)
	if delivered.mode != "content" {
		t.Fatalf("mode = %q, want content", delivered.mode)
	}
	if len(delivered.content.Entities) != 1 || delivered.content.Entities[0].Type != tele.EntityItalic {
		t.Fatalf("caption entities = %+v", delivered.content.Entities)
	}
}

func TestSendBlockedByReceiver(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.blocks[[2]int64{bobID, aliceID}] = true

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "hi"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("user_banned") {
		t.Fatalf("got %q, want user_banned", got)
	}
	if len(fx.courier.to(bobID)) != 0 {
		t.Fatal("nothing may reach the blocking receiver")
	}
}

func TestLastSessionWins(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.machine.Start(ctx, actor(aliceID), []string{refcode.Encode(caroleID)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := fx.session(t, aliceID)
	if sess.Payload.(session.SendTarget).ReceiverID != caroleID {
		t.Fatalf("latest start must win, got %+v", sess.Payload)
	}
}

func TestReplySynthesisOverridesSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.messages["tok-1"] = storage.Message{Token: "tok-1", SenderID: caroleID, ReceiverID: aliceID}

	// Alice is mid-compose toward Bob, then replies to Carole's copy.
	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content:    relay.Content{Kind: relay.KindText, Text: "my reply"},
		ReplyToken: "tok-1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	delivered := fx.courier.lastTo(t, caroleID)
	if !strings.Contains(delivered.text, "my reply") {
		t.Fatalf("reply went to %q", delivered.text)
	}
	if len(fx.courier.to(bobID)) != 0 {
		t.Fatal("reply must not reach the parked send target")
	}
	if fx.session(t, aliceID) != nil {
		t.Fatal("reply session must be consumed")
	}
}

func TestNoSessionPromptsForLink(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "hello?"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("use_link_first") {
		t.Fatalf("got %q, want use_link_first", got)
	}
}

func TestAPKRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content: relay.Content{Kind: relay.KindDocument, FileID: "f", FileName: "evil.APK"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("apk_banned") {
		t.Fatalf("got %q, want apk_banned", got)
	}
	if len(fx.store.messages) != 0 {
		t.Fatal("rejected file must not be archived")
	}
}

func TestMediaFallbackToText(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.courier.failContent[bobID] = true

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content: relay.Content{Kind: relay.KindPhoto, FileID: "ph", Caption: "look"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	delivered := fx.courier.lastTo(t, bobID)
	if delivered.mode != "text" || !strings.HasPrefix(delivered.text, fx.t("media_error")) {
		t.Fatalf("fallback = %+v", delivered)
	}
	if !strings.Contains(delivered.text, "look") {
		t.Fatalf("fallback should carry the caption, got %q", delivered.text)
	}
}

func TestMembershipGateParksAndResumes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.channels = []storage.Channel{{ID: "@gate", Name: "Join", Link: "https://t.me/gate"}}
	fx.courier.members["@gate"] = map[int64]bool{}

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("subscribe_channels") {
		t.Fatalf("got %q, want subscribe prompt", got)
	}
	sess := fx.session(t, aliceID)
	if sess == nil || sess.Step != session.StepPendingMembership {
		t.Fatalf("session = %+v, want pending_membership", sess)
	}

	// Not subscribed yet: alert, session unchanged.
	alert, err := fx.machine.CheckMembership(ctx, actor(aliceID))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if alert != fx.t("not_subscribed_alert") {
		t.Fatalf("alert = %q", alert)
	}

	// Subscribed: parked args resume into the send flow.
	fx.courier.members["@gate"][aliceID] = true
	alert, err = fx.machine.CheckMembership(ctx, actor(aliceID))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if alert != "" {
		t.Fatalf("unexpected alert %q", alert)
	}
	sess = fx.session(t, aliceID)
	if sess == nil || sess.Step != session.StepSend {
		t.Fatalf("session = %+v, want send", sess)
	}
}

func TestBroadcastFanOutSkipsBannedAndSelf(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.banned[bobID] = true
	fx.courier.failText[caroleID] = true

	if err := fx.machine.BeginBroadcast(ctx, actor(adminID)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(adminID), Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "announcement"},
	})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if err := fx.machine.BroadcastNoButtons(ctx, actor(adminID)); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(fx.courier.to(bobID)) != 0 {
		t.Fatal("banned user must be skipped")
	}
	tally := fx.courier.lastTo(t, adminID)
	want := fx.t("broadcast_sent", i18n.Params{"success": 1, "failed": 1})
	if tally.text != want {
		t.Fatalf("tally = %q, want %q", tally.text, want)
	}
	if fx.session(t, adminID) != nil {
		t.Fatal("broadcast session must be consumed")
	}
}

func TestFanOutCountsBanLookupFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.bannedErr[bobID] = true

	if err := fx.machine.BeginBroadcast(ctx, actor(adminID)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(adminID), Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "announcement"},
	})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if err := fx.machine.BroadcastNoButtons(ctx, actor(adminID)); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(fx.courier.to(bobID)) != 0 {
		t.Fatal("unverifiable recipient must be skipped")
	}
	want := fx.t("broadcast_sent", i18n.Params{"success": 2, "failed": 1})
	if got := fx.courier.lastTo(t, adminID).text; got != want {
		t.Fatalf("tally = %q, want %q", got, want)
	}
}

func TestBroadcastButtonsRequireDraft(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.BroadcastAddButtons(ctx, actor(adminID)); err != nil {
		t.Fatalf("add buttons: %v", err)
	}
	if msgs := fx.courier.to(adminID); len(msgs) != 0 {
		t.Fatalf("stale button press produced %d messages", len(msgs))
	}
	if fx.session(t, adminID) != nil {
		t.Fatal("stale button press must not create a session")
	}
}

func TestBroadcastButtonAccumulator(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	admin := actor(adminID)
	say := func(text string) {
		t.Helper()
		err := fx.machine.HandleIncoming(ctx, admin, Incoming{
			Content: relay.Content{Kind: relay.KindText, Text: text},
		})
		if err != nil {
			t.Fatalf("handle %q: %v", text, err)
		}
	}

	if err := fx.machine.BeginBroadcast(ctx, admin); err != nil {
		t.Fatalf("begin: %v", err)
	}
	say("promo text")
	if err := fx.machine.BroadcastAddButtons(ctx, admin); err != nil {
		t.Fatalf("add buttons: %v", err)
	}

	say("abc") // not a number
	if got := fx.courier.lastTo(t, adminID).text; got != fx.t("invalid_number") {
		t.Fatalf("got %q", got)
	}
	say("15") // out of range
	if got := fx.courier.lastTo(t, adminID).text; got != fx.t("button_count_prompt") {
		t.Fatalf("got %q", got)
	}
	say("2")
	say("Site")
	say("Docs")
	say("not a url")
	if got := fx.courier.lastTo(t, adminID).text; got != fx.t("invalid_url") {
		t.Fatalf("got %q", got)
	}
	sess := fx.session(t, adminID)
	if sess == nil || sess.Step != session.StepBroadcastAskButtonURL {
		t.Fatalf("malformed URL must keep the step, session = %+v", sess)
	}
	say("https://example.com")
	say("https://example.org/docs")

	if fx.session(t, adminID) != nil {
		t.Fatal("broadcast session must be consumed")
	}
	delivered := fx.courier.lastTo(t, aliceID)
	if delivered.kb == nil || len(delivered.kb.InlineKeyboard) != 2 {
		t.Fatalf("broadcast keyboard = %+v", delivered.kb)
	}
}

func TestForwardFanOut(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.BeginForward(ctx, actor(adminID)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(adminID), Incoming{
		Content:   relay.Content{Kind: relay.KindText, Text: "fwd me"},
		MessageID: 77,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).mode; got != "forward" {
		t.Fatalf("alice got %q, want forward", got)
	}
	want := fx.t("forward_sent", i18n.Params{"success": 3, "failed": 0})
	if got := fx.courier.lastTo(t, adminID).text; got != want {
		t.Fatalf("tally = %q, want %q", got, want)
	}
}

func TestChannelSetupFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	admin := actor(adminID)
	say := func(text string) {
		t.Helper()
		err := fx.machine.HandleIncoming(ctx, admin, Incoming{
			Content: relay.Content{Kind: relay.KindText, Text: text},
		})
		if err != nil {
			t.Fatalf("handle %q: %v", text, err)
		}
	}

	if err := fx.machine.BeginSetChannels(ctx, admin); err != nil {
		t.Fatalf("begin: %v", err)
	}
	say("2")
	say("bogus") // bad channel id
	if got := fx.courier.lastTo(t, adminID).text; got != fx.t("invalid_channel_id") {
		t.Fatalf("got %q", got)
	}
	say("@first")
	say("ftp://bad") // bad invite link
	if got := fx.courier.lastTo(t, adminID).text; got != fx.t("invalid_invite_link") {
		t.Fatalf("got %q", got)
	}
	say("https://t.me/+abc")
	say("-1001234")
	say("https://t.me/second")

	if len(fx.store.channels) != 2 {
		t.Fatalf("stored %d channels, want 2", len(fx.store.channels))
	}
	if fx.store.channels[0].ID != "@first" || fx.store.channels[1].ID != "-1001234" {
		t.Fatalf("channels = %+v", fx.store.channels)
	}
	if fx.session(t, adminID) != nil {
		t.Fatal("setup session must be consumed")
	}
}

func TestAdminStepsRefusedForOthers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.sessions.Put(ctx, session.Session{
		UserID: aliceID, Step: session.StepBroadcastMessage, Payload: session.Empty{},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "spam"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("admin_only") {
		t.Fatalf("got %q, want admin_only", got)
	}
}

func TestUserLookupKeepsSessionOnBadInput(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	admin := actor(adminID)

	if err := fx.machine.BeginUserInfo(ctx, admin); err != nil {
		t.Fatalf("begin: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, admin, Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "not-a-number"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := fx.courier.lastTo(t, adminID).text; got != fx.t("error_id") {
		t.Fatalf("got %q", got)
	}
	if sess := fx.session(t, adminID); sess == nil || sess.Step != session.StepGetUserID {
		t.Fatalf("bad input must keep the prompt open, session = %+v", sess)
	}

	err = fx.machine.HandleIncoming(ctx, admin, Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "999"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := fx.courier.lastTo(t, adminID).text; got != fx.t("user_not_found") {
		t.Fatalf("got %q", got)
	}
	if fx.session(t, adminID) != nil {
		t.Fatal("unknown user must close the prompt")
	}
}

func TestBlockAndUnblock(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.messages["tok-2"] = storage.Message{
		Token:            "tok-2",
		SenderID:         aliceID,
		ReceiverID:       bobID,
		SenderName:       sql.NullString{String: "Alice", Valid: true},
		SenderUsername:   sql.NullString{String: "alice", Valid: true},
		ReceiverName:     sql.NullString{String: "Bob", Valid: true},
		ReceiverUsername: sql.NullString{String: "bob", Valid: true},
		Text:             sql.NullString{String: "rude", Valid: true},
		MediaType:        sql.NullString{String: "text", Valid: true},
	}

	if err := fx.machine.Block(ctx, actor(bobID), "tok-2"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if !fx.store.blocks[[2]int64{bobID, aliceID}] {
		t.Fatal("block not recorded")
	}
	report := fx.courier.to(adminID)
	if len(report) == 0 || report[0].mode != "md" || !strings.Contains(report[0].text, "rude") {
		t.Fatalf("admin report = %+v", report)
	}
	confirmation := fx.courier.lastTo(t, bobID)
	if confirmation.text != fx.t("block_sent") || confirmation.kb == nil {
		t.Fatalf("confirmation = %+v", confirmation)
	}

	if err := fx.machine.Unblock(ctx, actor(bobID), aliceID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if fx.store.blocks[[2]int64{bobID, aliceID}] {
		t.Fatal("block not removed")
	}
	if got := fx.courier.lastTo(t, bobID).text; got != fx.t("unbanned_user") {
		t.Fatalf("got %q", got)
	}
	// Second unblock finds nothing.
	if err := fx.machine.Unblock(ctx, actor(bobID), aliceID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if got := fx.courier.lastTo(t, bobID).text; got != fx.t("not_banned") {
		t.Fatalf("got %q", got)
	}
}

func TestBlockUnknownToken(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Block(ctx, actor(bobID), "missing"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if got := fx.courier.lastTo(t, bobID).text; got != fx.t("message_not_found") {
		t.Fatalf("got %q", got)
	}
}

func TestBannedUserIsShutOut(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.banned[aliceID] = true

	if err := fx.machine.Start(ctx, actor(aliceID), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("banned") {
		t.Fatalf("got %q", got)
	}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{
		Content: relay.Content{Kind: relay.KindText, Text: "hi"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("banned") {
		t.Fatalf("got %q", got)
	}
}

func TestBanUnbanCommands(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	admin := actor(adminID)

	if err := fx.machine.Ban(ctx, admin, []string{"10"}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if !fx.store.banned[aliceID] {
		t.Fatal("user not banned")
	}
	if got := fx.courier.lastTo(t, aliceID).text; got != fx.t("banned") {
		t.Fatalf("target notice = %q", got)
	}

	if err := fx.machine.Unban(ctx, admin, []string{"10"}); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if fx.store.banned[aliceID] {
		t.Fatal("user still banned")
	}

	if err := fx.machine.Unban(ctx, admin, []string{"10"}); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if got := fx.courier.lastTo(t, adminID).text; got != fx.t("not_banned") {
		t.Fatalf("got %q", got)
	}

	if err := fx.machine.Ban(ctx, actor(bobID), []string{"10"}); err != nil {
		t.Fatalf("ban as non-admin: %v", err)
	}
	if got := fx.courier.lastTo(t, bobID).text; got != fx.t("admin_only") {
		t.Fatalf("got %q", got)
	}
}

func TestSetLanguage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	confirmation, err := fx.machine.SetLanguage(ctx, actor(aliceID), "ru")
	if err != nil {
		t.Fatalf("set language: %v", err)
	}
	if !strings.Contains(confirmation, "RU") {
		t.Fatalf("confirmation = %q", confirmation)
	}
	if fx.store.users[aliceID].Language != "ru" {
		t.Fatalf("stored language = %q", fx.store.users[aliceID].Language)
	}
}

func TestMyStatsCarriesShareLink(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.MyStats(ctx, actor(aliceID)); err != nil {
		t.Fatalf("mystats: %v", err)
	}
	last := fx.courier.lastTo(t, aliceID)
	if last.kb == nil || len(last.kb.InlineKeyboard) != 1 {
		t.Fatal("share button missing")
	}
	btn := last.kb.InlineKeyboard[0][0]
	if !strings.HasPrefix(btn.URL, "https://t.me/share/url?") {
		t.Fatalf("share URL = %q", btn.URL)
	}
}

func TestBlacklistCommandAndClear(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.blocks[[2]int64{aliceID, bobID}] = true
	fx.store.blocks[[2]int64{aliceID, caroleID}] = true

	if err := fx.machine.Blacklist(ctx, actor(aliceID)); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	want := fx.t("blacklist", i18n.Params{"count": 2})
	if got := fx.courier.lastTo(t, aliceID).text; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if err := fx.machine.ClearBlacklist(ctx, actor(aliceID)); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := fx.store.CountBlocks(ctx, aliceID); n != 0 {
		t.Fatalf("blacklist not cleared, %d left", n)
	}
}

func TestUnsupportedContentBecomesPlaceholder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.machine.Start(ctx, actor(aliceID), []string{bobRefCode()}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := fx.machine.HandleIncoming(ctx, actor(aliceID), Incoming{Content: relay.Content{}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	delivered := fx.courier.lastTo(t, bobID)
	if !strings.Contains(delivered.text, mediaPlaceholder) {
		t.Fatalf("delivered %q", delivered.text)
	}
}
