package provider

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
	"keeper_server/pkg/ratelimit"
)

// maxRateWait bounds how long a call waits out a local rate limit rejection
// before surfacing exhausted to the caller.
const maxRateWait = 2 * time.Second

// gmailClient implements out.MailProvider for one mailbox. All calls go
// through the shared protector and circuit breaker so a flapping Gmail API
// fails fast instead of burning the rate budget.
type gmailClient struct {
	svc       *gmail.Service
	email     string
	batchSize int
	cb        *gobreaker.CircuitBreaker
	protector *ratelimit.APIProtector
	logger    zerolog.Logger
}

func newGmailClient(svc *gmail.Service, email string, batchSize int, protector *ratelimit.APIProtector) *gmailClient {
	logger := log.With().Str("component", "gmail_client").Str("account", email).Logger()
	settings := gobreaker.Settings{
		Name:     "gmail-api",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return &gmailClient{
		svc:       svc,
		email:     email,
		batchSize: batchSize,
		cb:        gobreaker.NewCircuitBreaker(settings),
		protector: protector,
		logger:    logger,
	}
}

func (c *gmailClient) AccountEmail() string { return c.email }

func (c *gmailClient) ListMessageIDs(ctx context.Context, query string, maxResults int64) ([]string, error) {
	if maxResults <= 0 {
		maxResults = 500
	}
	var ids []string
	pageToken := ""
	for {
		req := c.svc.Users.Messages.List("me").MaxResults(min64(maxResults-int64(len(ids)), 500))
		if query != "" {
			req = req.Q(query)
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		var resp *gmail.ListMessagesResponse
		err := c.call(ctx, func() error {
			var apiErr error
			resp, apiErr = req.Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return nil, wrapGmailError(err, "failed to list messages")
		}

		for _, msg := range resp.Messages {
			ids = append(ids, msg.Id)
		}
		if resp.NextPageToken == "" || int64(len(ids)) >= maxResults {
			break
		}
		pageToken = resp.NextPageToken
	}
	if int64(len(ids)) > maxResults {
		ids = ids[:maxResults]
	}
	return ids, nil
}

func (c *gmailClient) GetMessage(ctx context.Context, messageID string) (*out.ProviderMessage, error) {
	var msg *gmail.Message
	err := c.call(ctx, func() error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapGmailError(err, "failed to get message")
	}
	return convertMessage(msg), nil
}

func (c *gmailClient) Archive(ctx context.Context, messageIDs []string) error {
	return c.batchModify(ctx, messageIDs, nil, []string{"INBOX"})
}

func (c *gmailClient) Trash(ctx context.Context, messageIDs []string) error {
	// There is no batch trash endpoint; trash is one call per message.
	for _, id := range messageIDs {
		err := c.call(ctx, func() error {
			_, apiErr := c.svc.Users.Messages.Trash("me", id).Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return wrapGmailError(err, "failed to trash message")
		}
	}
	return nil
}

func (c *gmailClient) Delete(ctx context.Context, messageIDs []string) error {
	for _, chunk := range chunks(messageIDs, c.batchSize) {
		req := &gmail.BatchDeleteMessagesRequest{Ids: chunk}
		err := c.call(ctx, func() error {
			return c.svc.Users.Messages.BatchDelete("me", req).Context(ctx).Do()
		})
		if err != nil {
			return wrapGmailError(err, "failed to delete messages")
		}
	}
	return nil
}

func (c *gmailClient) EmptyTrash(ctx context.Context, maxCount int) (int, error) {
	if maxCount <= 0 {
		maxCount = 1000
	}
	ids, err := c.ListMessageIDs(ctx, "in:trash", int64(maxCount))
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := c.Delete(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (c *gmailClient) ModifyLabels(ctx context.Context, messageIDs []string, addLabels, removeLabels []string) error {
	return c.batchModify(ctx, messageIDs, addLabels, removeLabels)
}

// SetLabels replaces the mutable labels of one message. System labels the
// API refuses to change (SENT, DRAFT) are left alone.
func (c *gmailClient) SetLabels(ctx context.Context, messageID string, labels []string) error {
	var msg *gmail.Message
	err := c.call(ctx, func() error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get("me", messageID).Format("minimal").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return wrapGmailError(err, "failed to read current labels")
	}

	want := make(map[string]bool, len(labels))
	for _, l := range labels {
		want[l] = true
	}
	var add, remove []string
	current := make(map[string]bool, len(msg.LabelIds))
	for _, l := range msg.LabelIds {
		current[l] = true
		if !want[l] && mutableLabel(l) {
			remove = append(remove, l)
		}
	}
	for _, l := range labels {
		if !current[l] {
			add = append(add, l)
		}
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	req := &gmail.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	err = c.call(ctx, func() error {
		_, apiErr := c.svc.Users.Messages.Modify("me", messageID, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return wrapGmailError(err, "failed to set labels")
	}
	return nil
}

func mutableLabel(label string) bool {
	switch label {
	case "SENT", "DRAFT", "CHAT":
		return false
	}
	return true
}

func (c *gmailClient) batchModify(ctx context.Context, messageIDs, addLabels, removeLabels []string) error {
	for _, chunk := range chunks(messageIDs, c.batchSize) {
		req := &gmail.BatchModifyMessagesRequest{
			Ids:            chunk,
			AddLabelIds:    addLabels,
			RemoveLabelIds: removeLabels,
		}
		err := c.call(ctx, func() error {
			return c.svc.Users.Messages.BatchModify("me", req).Context(ctx).Do()
		})
		if err != nil {
			return wrapGmailError(err, "failed to modify messages")
		}
	}
	return nil
}

// =============================================================================
// Circuit breaker and error mapping
// =============================================================================

// nonCircuitError wraps client errors that must not trip the breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }
func (e *nonCircuitError) Unwrap() error { return e.err }

func (c *gmailClient) call(ctx context.Context, fn func() error) error {
	result, release := c.protector.AcquireWithWait(ctx, c.email, maxRateWait)
	if !result.Allowed {
		return apperr.Exhausted("mailbox provider call (" + result.Reason + ")")
	}
	defer release()

	_, err := c.cb.Execute(func() (any, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})
	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Unavailable("mailbox provider temporarily unavailable")
	}
	return err
}

func wrapGmailError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return apperr.Unauthenticated("mailbox credentials rejected, run authenticate again")
		case 403:
			if strings.Contains(apiErr.Message, "rate") || strings.Contains(apiErr.Message, "quota") {
				return apperr.Exhausted("mailbox API quota exhausted")
			}
			return apperr.Forbidden(msg + ": " + apiErr.Message)
		case 404:
			return apperr.NotFound("message")
		case 429:
			return apperr.Exhausted("mailbox API rate limited")
		}
	}
	return apperr.Upstream("gmail", err)
}

// =============================================================================
// Conversion
// =============================================================================

func convertMessage(msg *gmail.Message) *out.ProviderMessage {
	result := &out.ProviderMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Labels:   msg.LabelIds,
		Size:     msg.SizeEstimate,
		Snippet:  msg.Snippet,
	}
	if msg.Payload == nil {
		return result
	}
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			result.Subject = h.Value
		case "From":
			result.Sender = parseAddress(h.Value)
		case "To", "Cc":
			result.Recipients = append(result.Recipients, parseAddresses(h.Value)...)
		case "Date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				result.Date = t
			}
		}
	}
	if result.Date.IsZero() && msg.InternalDate > 0 {
		result.Date = time.UnixMilli(msg.InternalDate)
	}
	result.HasAttachments = hasAttachmentPart(msg.Payload)
	return result
}

func hasAttachmentPart(part *gmail.MessagePart) bool {
	if part == nil {
		return false
	}
	if part.Filename != "" {
		return true
	}
	for _, p := range part.Parts {
		if hasAttachmentPart(p) {
			return true
		}
	}
	return false
}

func parseAddress(value string) string {
	if addr, err := mail.ParseAddress(value); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(value)
}

func parseAddresses(value string) []string {
	list, err := mail.ParseAddressList(value)
	if err != nil {
		return []string{strings.TrimSpace(value)}
	}
	addrs := make([]string, len(list))
	for i, a := range list {
		addrs[i] = a.Address
	}
	return addrs
}

func chunks(ids []string, size int) [][]string {
	if size <= 0 {
		size = 100
	}
	var parts [][]string
	for len(ids) > size {
		parts = append(parts, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		parts = append(parts, ids)
	}
	return parts
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

var _ out.MailProvider = (*gmailClient)(nil)
