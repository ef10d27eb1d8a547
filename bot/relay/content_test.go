package relay

import (
	"context"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestFromMessageText(t *testing.T) {
	c := FromMessage(&tele.Message{
		Text:     "hello",
		Entities: tele.Entities{{Type: tele.EntityBold, Offset: 0, Length: 5}},
	})
	if c.Kind != KindText || c.Text != "hello" {
		t.Fatalf("got %+v", c)
	}
	if c.StoredText() != "hello" {
		t.Fatalf("StoredText = %q", c.StoredText())
	}
	if len(c.Entities) != 1 || c.Entities[0].Type != tele.EntityBold {
		t.Fatalf("entities = %+v", c.Entities)
	}
}

func TestFromMessageMedia(t *testing.T) {
	m := &tele.Message{
		Photo:           &tele.Photo{File: tele.File{FileID: "ph-1"}},
		Caption:         "look",
		CaptionEntities: tele.Entities{{Type: tele.EntityItalic, Offset: 0, Length: 4}},
	}
	c := FromMessage(m)
	if c.Kind != KindPhoto || c.FileID != "ph-1" || c.Caption != "look" {
		t.Fatalf("got %+v", c)
	}
	if c.StoredText() != "look" {
		t.Fatalf("StoredText = %q", c.StoredText())
	}
	if len(c.Entities) != 1 || c.Entities[0].Type != tele.EntityItalic {
		t.Fatalf("entities = %+v", c.Entities)
	}
}

func TestFromMessagePoll(t *testing.T) {
	m := &tele.Message{
		Poll: &tele.Poll{
			Question: "q?",
			Options:  []tele.PollOption{{Text: "a"}, {Text: "b"}},
			Type:     tele.PollRegular,
		},
	}
	c := FromMessage(m)
	if c.Kind != KindPoll || c.Poll == nil || len(c.Poll.Options) != 2 {
		t.Fatalf("got %+v", c)
	}
}

func TestFromMessageUnsupported(t *testing.T) {
	c := FromMessage(&tele.Message{Location: &tele.Location{Lat: 1, Lng: 2}})
	if !c.IsZero() {
		t.Fatalf("expected zero content, got %+v", c)
	}
}

func TestIsAPK(t *testing.T) {
	cases := []struct {
		content Content
		want    bool
	}{
		{Content{Kind: KindDocument, FileName: "app.apk"}, true},
		{Content{Kind: KindDocument, FileName: "APP.APK"}, true},
		{Content{Kind: KindDocument, FileName: "notes.pdf"}, false},
		{Content{Kind: KindText, Text: "file.apk"}, false},
	}
	for _, tc := range cases {
		if got := tc.content.IsAPK(); got != tc.want {
			t.Errorf("IsAPK(%+v) = %v, want %v", tc.content, got, tc.want)
		}
	}
}

func TestSendableKinds(t *testing.T) {
	for _, c := range []Content{
		{Kind: KindText, Text: "hi"},
		{Kind: KindPhoto, FileID: "f"},
		{Kind: KindDocument, FileID: "f", FileName: "a.pdf"},
		{Kind: KindPoll, Poll: &PollContent{Question: "q", Options: []string{"a"}}},
	} {
		if _, err := sendable(c); err != nil {
			t.Errorf("sendable(%s): %v", c.Kind, err)
		}
	}
	if _, err := sendable(Content{}); err == nil {
		t.Error("expected error for zero content")
	}
	if _, err := sendable(Content{Kind: KindPoll}); err == nil {
		t.Error("expected error for poll without payload")
	}
}

func TestCourierNotBound(t *testing.T) {
	tc := NewTeleCourier()
	if err := tc.SendText(context.Background(), 1, "x", nil, nil); err != ErrNotBound {
		t.Fatalf("got %v, want ErrNotBound", err)
	}
	if tc.Username() != "" {
		t.Fatalf("unexpected username %q", tc.Username())
	}
}
