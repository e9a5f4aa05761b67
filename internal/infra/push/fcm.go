// Package push delivers single-token push messages.
package push

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// FCMConfig configures the Firebase Cloud Messaging HTTP v1 gateway.
type FCMConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
}

// FCMGateway sends one message per token through FCM HTTP v1.
type FCMGateway struct {
	svc    *fcm.Service
	parent string
}

// NewFCMGateway builds the FCM service. httpClient, when set, replaces the
// authenticated transport.
func NewFCMGateway(ctx context.Context, cfg FCMConfig, httpClient *http.Client) (*FCMGateway, error) {
	if cfg.ProjectID == "" {
		return nil, &classify.ConfigFailure{Key: "push.fcm.project_id", Reason: "required"}
	}

	var opts []option.ClientOption
	switch {
	case httpClient != nil:
		opts = append(opts, option.WithHTTPClient(httpClient))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := fcm.NewService(ctx, opts...)
	if err != nil {
		return nil, &classify.InitFailure{Component: "fcm", Err: err}
	}
	return &FCMGateway{svc: svc, parent: "projects/" + cfg.ProjectID}, nil
}

// Send delivers msg to its token.
func (g *FCMGateway) Send(ctx context.Context, msg domain.PushMessage) error {
	req := &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: msg.Token,
			Notification: &fcm.Notification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: msg.Data,
			Android: &fcm.AndroidConfig{
				Priority: "HIGH",
			},
		},
	}

	if _, err := g.svc.Projects.Messages.Send(g.parent, req).Context(ctx).Do(); err != nil {
		return toFailure(err)
	}
	return nil
}

// toFailure maps an FCM error to a push failure.
func toFailure(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &classify.PushFailure{Err: err}
	}

	f := &classify.PushFailure{StatusCode: gerr.Code, Err: err}
	body := gerr.Body + " " + gerr.Message
	switch {
	case gerr.Code == http.StatusNotFound, strings.Contains(body, "UNREGISTERED"):
		f.Reason = classify.PushReasonInvalidToken
	case gerr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(body), "registration token"):
		f.Reason = classify.PushReasonInvalidToken
	case gerr.Code == http.StatusTooManyRequests, strings.Contains(body, "QUOTA_EXCEEDED"):
		f.Reason = classify.PushReasonQuota
	case gerr.Code >= 500:
		f.Reason = classify.PushReasonUnavailable
	default:
		f.Reason = classify.PushReasonRejected
	}
	return f
}
