package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/tradeforge/omsgate/internal/domain/outboxstore"
	"github.com/tradeforge/omsgate/internal/observability"
)

const (
	feedCatchupBatch = 256
	feedBuffer       = 256
	feedWriteTimeout = 5 * time.Second
)

type feedEvent struct {
	ID        int64           `json:"id"`
	Namespace string          `json:"namespace"`
	Type      string          `json:"type"`
	AccountID int64           `json:"accountId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

func feedEventOf(record outboxstore.EventRecord) feedEvent {
	return feedEvent{
		ID:        record.ID,
		Namespace: record.Namespace,
		Type:      record.EventType,
		AccountID: record.AccountID,
		Payload:   record.Payload,
		CreatedAt: record.CreatedAt,
	}
}

// streamEvents serves the websocket event feed. A client may pass
// ?cursor=N to replay outbox events above N before the live stream
// attaches; event ids are the resume cursor.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		writeError(w, http.StatusNotFound, "event feed not running")
		return
	}
	cursor := int64(-1)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = parsed
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		observability.Log().Debug("httpserver: websocket accept failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()

	// Subscribe before catch-up so nothing published during the replay is
	// lost; duplicates across the seam are filtered by id below.
	live, cancel := s.deps.Feed.Subscribe(feedBuffer)
	defer cancel()

	// Without a cursor the feed is live-only; a cursor requests replay of
	// everything above it first.
	lastSent := int64(0)
	if cursor >= 0 {
		lastSent, err = s.replayEvents(ctx, conn, cursor)
	}
	if err != nil {
		observability.Log().Debug("httpserver: event replay ended",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}

	// Reads only surface client disconnects; inbound frames are ignored.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case record, ok := <-live:
			if !ok {
				return
			}
			if record.ID <= lastSent {
				continue
			}
			if err := writeFeedEvent(ctx, conn, record); err != nil {
				return
			}
			lastSent = record.ID
		}
	}
}

func (s *httpServer) replayEvents(ctx context.Context, conn *websocket.Conn, cursor int64) (int64, error) {
	lastSent := cursor
	for {
		records, err := s.deps.Outbox.ListAfter(ctx, lastSent, feedCatchupBatch)
		if err != nil {
			return lastSent, err
		}
		if len(records) == 0 {
			return lastSent, nil
		}
		for _, record := range records {
			if err := writeFeedEvent(ctx, conn, record); err != nil {
				return lastSent, err
			}
			lastSent = record.ID
		}
		if len(records) < feedCatchupBatch {
			return lastSent, nil
		}
	}
}

func writeFeedEvent(ctx context.Context, conn *websocket.Conn, record outboxstore.EventRecord) error {
	data, err := json.Marshal(feedEventOf(record))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
