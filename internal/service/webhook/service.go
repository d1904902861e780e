// Package webhook ingests GitHub deliveries: signature checks, decoding, deduplication and
// ordered or pooled application to the local store.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/helios/internal/domain"
)

const signaturePrefix = "sha256="

// Service handles webhook validation and hands accepted deliveries to a Sink.
type Service struct {
	secret []byte
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a webhook service.
func New(secret string, sink Sink, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		secret: []byte(strings.TrimSpace(secret)),
		sink:   sink,
		logger: logger.With("component", "webhook"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidateSignature checks the X-Hub-Signature-256 header value for payload.
func (s Service) ValidateSignature(payload []byte, provided string) error {
	if len(s.secret) == 0 {
		return errors.New("webhook secret not configured")
	}
	if provided == "" {
		return errors.New("missing webhook signature")
	}
	if !strings.HasPrefix(provided, signaturePrefix) {
		return errors.New("unsupported webhook signature scheme")
	}
	hasher := hmac.New(sha256.New, s.secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.TrimPrefix(provided, signaturePrefix)), []byte(expected)) {
		return errors.New("invalid webhook signature")
	}
	return nil
}

// Sign returns the header value GitHub would send for payload.
func (s Service) Sign(payload []byte) string {
	hasher := hmac.New(sha256.New, s.secret)
	hasher.Write(payload)
	return signaturePrefix + hex.EncodeToString(hasher.Sum(nil))
}

// Receive verifies a delivery and submits it.
func (s Service) Receive(ctx context.Context, category, deliveryID, signature string, body []byte) error {
	if err := s.ValidateSignature(body, signature); err != nil {
		s.logger.Warn("webhook rejected", "event", category, "delivery_id", deliveryID, "error", err)
		return domain.Wrap(domain.CodePermissionDenied, "webhook signature rejected", err)
	}
	if strings.TrimSpace(category) == "" {
		return domain.Errorf(domain.CodeInvalidArgument, "missing event category")
	}
	return s.sink.Submit(ctx, Envelope{
		Category:   category,
		DeliveryID: deliveryID,
		Body:       body,
		ReceivedAt: s.now(),
	})
}
