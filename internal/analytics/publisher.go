package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"uk.co.dudmesh.relay/internal/model"
)

// publisher appends one entry per accepted message to a Redis stream.
type publisher struct {
	client redis.UniversalClient
	stream string
}

func NewPublisher(client redis.UniversalClient, stream string) *publisher {
	return &publisher{client: client, stream: stream}
}

func (p *publisher) Publish(ctx context.Context, msg *model.Message) error {
	fileType := "none"
	if msg.File != nil && msg.File.MimeType != "" {
		fileType = msg.File.MimeType
	}
	values := map[string]interface{}{
		"messageId": string(msg.ID),
		"chatId":    string(msg.ChatID),
		"senderId":  string(msg.SenderID),
		"timestamp": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		"hasImage":  strconv.FormatBool(msg.Image != ""),
		"hasFile":   strconv.FormatBool(msg.File != nil),
		"fileType":  fileType,
	}
	if err := p.client.XAdd(ctx, &redis.XAddArgs{Stream: p.stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("adding %s to %s: %w", msg.ID, p.stream, err)
	}
	return nil
}
