package report

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PubSubConfig is the `report_queue` section of the daemon configuration.
type PubSubConfig struct {
	Project      string `yaml:"project"`
	Subscription string `yaml:"subscription"`
	Topic        string `yaml:"topic"`
}

// Validate checks the fields needed to pull reports.
func (c PubSubConfig) Validate() error {
	if c.Project == "" {
		return errors.New("report_queue: project is required")
	}
	if c.Subscription == "" {
		return errors.New("report_queue: subscription is required")
	}
	if c.Topic == "" {
		return errors.New("report_queue: topic is required")
	}
	return nil
}

// PubSubSource pulls completion reports from a Google Pub/Sub subscription
// through the gcloud CLI, the same credential path the VM operations use.
type PubSubSource struct {
	cfg PubSubConfig
}

// NewPubSubSource returns a source for the configured subscription.
func NewPubSubSource(cfg PubSubConfig) (*PubSubSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PubSubSource{cfg: cfg}, nil
}

func (s *PubSubSource) gcloud(ctx context.Context, args ...string) ([]byte, error) {
	args = append(args, "--project", s.cfg.Project, "--format", "json")
	cmd := exec.CommandContext(ctx, "gcloud", args...)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gcloud pubsub: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}
	return []byte(outBuf.String()), nil
}

// pulledMessage mirrors the gcloud pull output shape.
type pulledMessage struct {
	AckID   string `json:"ackId"`
	Message struct {
		Data string `json:"data"` // base64, transport encoding
	} `json:"message"`
}

// Pull fetches at most one message from the subscription. The transport
// base64 layer is stripped here; any encoding inside the payload is the
// decoder's business.
func (s *PubSubSource) Pull(ctx context.Context) (*Message, error) {
	out, err := s.gcloud(ctx, "pubsub", "subscriptions", "pull", s.cfg.Subscription, "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("pull from %s: %w", s.cfg.Subscription, err)
	}

	var msgs []pulledMessage
	if err := json.Unmarshal(out, &msgs); err != nil {
		return nil, fmt.Errorf("parse pull output: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(msgs[0].Message.Data)
	if err != nil {
		return nil, fmt.Errorf("decode message data: %w", err)
	}
	return &Message{AckID: msgs[0].AckID, Data: data}, nil
}

// Ack confirms one message by its ack id.
func (s *PubSubSource) Ack(ctx context.Context, ackID string) error {
	_, err := s.gcloud(ctx, "pubsub", "subscriptions", "ack", s.cfg.Subscription, "--ack-ids", ackID)
	if err != nil {
		return fmt.Errorf("ack on %s: %w", s.cfg.Subscription, err)
	}
	return nil
}

// SubscriptionExists probes the subscription. Used at startup validation.
func (s *PubSubSource) SubscriptionExists(ctx context.Context) (bool, error) {
	return s.describeExists(ctx, "subscriptions", s.cfg.Subscription)
}

// TopicExists probes the topic. Used at startup validation.
func (s *PubSubSource) TopicExists(ctx context.Context) (bool, error) {
	return s.describeExists(ctx, "topics", s.cfg.Topic)
}

func (s *PubSubSource) describeExists(ctx context.Context, kind, name string) (bool, error) {
	_, err := s.gcloud(ctx, "pubsub", kind, "describe", name)
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "NOT_FOUND") || strings.Contains(err.Error(), "not found") {
		return false, nil
	}
	return false, err
}
