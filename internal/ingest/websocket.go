package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisper-darkly/sticky-dispatch/internal/event"
)

// wireEvent is the JSON shape read off the WebSocket, kept deliberately
// flat and kind-tagged rather than modeled as a Go union, matching how the
// upstream wire protocol (out of scope per spec §1) is expected to look.
type wireEvent struct {
	Kind      string `json:"kind"`
	RoomID    string `json:"room_id"`
	Timestamp string `json:"timestamp"`

	ActorID          string `json:"actor_id"`
	ActorHandle      string `json:"actor_handle"`
	ActorDisplayName string `json:"actor_display_name"`

	IsStreak    bool `json:"is_streak"`
	RepeatCount int  `json:"repeat_count"`

	GiftID       string `json:"gift_id,omitempty"`
	GiftName     string `json:"gift_name,omitempty"`
	DiamondValue int    `json:"diamond_value,omitempty"`
	CommentText  string `json:"comment_text,omitempty"`
	LikeCount    int    `json:"like_count,omitempty"`
}

func (w wireEvent) toRaw() RawEvent {
	ts, _ := time.Parse(time.RFC3339Nano, w.Timestamp)
	r := RawEvent{
		Kind:   event.Kind(w.Kind),
		RoomID: w.RoomID,
		Actor: event.User{
			ID:          w.ActorID,
			Handle:      w.ActorHandle,
			DisplayName: w.ActorDisplayName,
		},
		Timestamp:   ts,
		IsStreak:    w.IsStreak,
		RepeatCount: w.RepeatCount,
	}

	switch r.Kind {
	case event.KindGift:
		r.Payload = &event.GiftPayload{
			GiftID:       w.GiftID,
			GiftName:     w.GiftName,
			DiamondValue: w.DiamondValue,
			RepeatCount:  w.RepeatCount,
		}
	case event.KindComment:
		r.Payload = &event.CommentPayload{Text: w.CommentText}
	case event.KindLike:
		r.Payload = &event.LikePayload{Count: w.LikeCount}
	}
	return r
}

// WSAdapter is a persistent, reconnecting WebSocket ingest adapter, modeled
// on backend/overseer/client.go's connect/Run reconnect-with-backoff loop.
type WSAdapter struct {
	url            string
	sessionName    string
	reconnectDelay time.Duration
}

// NewWSAdapter returns an adapter that reads events from url. sessionName,
// if non-empty, is sent as a query parameter identifying the archival
// session (used by the `ingest --session-name` CLI subcommand).
func NewWSAdapter(url, sessionName string) *WSAdapter {
	return &WSAdapter{url: url, sessionName: sessionName, reconnectDelay: 5 * time.Second}
}

// Run connects and reconnects with a fixed backoff until ctx is cancelled,
// decoding each inbound JSON message into a RawEvent and invoking handle.
func (a *WSAdapter) Run(ctx context.Context, handle func(RawEvent)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.connect(ctx, handle); err != nil && ctx.Err() == nil {
			log.Printf("ingest: %v — retrying in %s", err, a.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.reconnectDelay):
		}
	}
}

func (a *WSAdapter) connect(ctx context.Context, handle func(RawEvent)) error {
	url := a.url
	if a.sessionName != "" {
		url = fmt.Sprintf("%s?session=%s", url, a.sessionName)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	log.Printf("ingest: connected to %s", url)
	defer log.Printf("ingest: disconnected from %s", url)

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var we wireEvent
		if err := json.Unmarshal(raw, &we); err != nil {
			log.Printf("ingest: decode error, dropping message: %v", err)
			continue
		}
		handle(we.toRaw())
	}
}
