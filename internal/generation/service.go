// Package generation implements the image generation task lifecycle: submit a
// prompt with optional reference images, then poll until a terminal state.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"genstudio/internal/domain"
	"genstudio/internal/events"
	"genstudio/internal/infra"
	"genstudio/internal/providers/kie"
	"genstudio/internal/storage"
)

const (
	msgTaskCreated    = "Image generation task created"
	msgCreateFailed   = "Failed to create generation task"
	msgUploadFailed   = "Failed to upload image"
	msgCheckFailed    = "Failed to check task status"
	msgFetchFailed    = "Failed to fetch task status"
	msgFormatError    = "Returned image data format error"
	msgGenericFailure = "Image generation failed"
	msgTurnstile      = "Turnstile verification failed"
	msgCreditsFailed  = "Failed to check credits"
)

// TaskClient is one resolved connection to the generation backend.
type TaskClient interface {
	CreateTask(ctx context.Context, req kie.CreateTaskRequest) (string, error)
	GetTask(ctx context.Context, taskID string) (*kie.TaskRecord, error)
}

// TaskProvider resolves a TaskClient once per operation. It reports
// domain.ErrNotConfigured when no API key is available.
type TaskProvider interface {
	Client(ctx context.Context) (TaskClient, error)
}

// Verifier checks anonymous CAPTCHA tokens.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// UserResolver maps an access token to a user id.
type UserResolver interface {
	ResolveUser(ctx context.Context, token string) (string, error)
}

// Ledger is the slice of the credit ledger the lifecycle touches.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int, error)
	Debit(ctx context.Context, userID, taskID string, n int) (int, error)
	Refund(ctx context.Context, userID, taskID string) (bool, int, error)
}

type Deps struct {
	Provider TaskProvider
	Verifier Verifier
	Users    UserResolver
	Ledger   Ledger
	Host     storage.Host
	Events   events.Publisher
	Logger   *infra.Logger
}

type Service struct {
	provider TaskProvider
	verifier Verifier
	users    UserResolver
	ledger   Ledger
	host     storage.Host
	events   events.Publisher
	logger   *infra.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	pub := d.Events
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{
		provider: d.Provider,
		verifier: d.Verifier,
		users:    d.Users,
		ledger:   d.Ledger,
		host:     d.Host,
		events:   pub,
		logger:   logger,
		validate: newValidator(),
		now:      time.Now,
	}
}

// SubmitRequest is the body of POST /api/generate.
type SubmitRequest struct {
	Images         []string `json:"images,omitempty" validate:"max=5,dive,required"`
	Prompt         string   `json:"prompt" validate:"required"`
	Size           string   `json:"size,omitempty" validate:"omitempty,aspect"`
	TurnstileToken string   `json:"turnstileToken" validate:"min=10"`
	AccessToken    string   `json:"accessToken,omitempty"`
	RemoteIP       string   `json:"-"`
}

type SubmitResult struct {
	Success bool              `json:"success"`
	TaskID  string            `json:"taskId"`
	Status  domain.TaskStatus `json:"status"`
	Message string            `json:"message"`
}

// StatusRequest is the body (or query) of the status endpoint.
type StatusRequest struct {
	TaskID      string `json:"taskId" validate:"required"`
	AccessToken string `json:"accessToken,omitempty"`
}

type StatusResult struct {
	Success        bool              `json:"success"`
	Status         domain.TaskStatus `json:"status"`
	GeneratedImage string            `json:"generatedImage,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Submit validates the request, authorizes the caller, re-hosts reference
// images and creates the provider task. Authenticated callers are debited one
// credit after the task exists; a debit failure is logged only, since the
// task cannot be taken back.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	// NFC so composed and decomposed input reach the provider as the same bytes.
	req.Prompt = norm.NFC.String(strings.TrimSpace(req.Prompt))
	req.AccessToken = strings.TrimSpace(req.AccessToken)
	req.Size = strings.TrimSpace(req.Size)
	if err := s.validateSubmit(req); err != nil {
		return nil, err
	}
	size, _ := domain.ParseSize(req.Size)

	tasks, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	var userID string
	if req.AccessToken != "" {
		uid, err := s.authorize(ctx, req.AccessToken)
		if err != nil {
			return nil, err
		}
		userID = uid
	} else if err := s.verifyCaptcha(ctx, req.TurnstileToken, req.RemoteIP); err != nil {
		return nil, err
	}

	urls, err := s.uploadImages(ctx, req.Images)
	if err != nil {
		if errors.Is(err, domain.ErrNotConfigured) {
			return nil, domain.ConfigError(err)
		}
		s.logger.Error().Err(err).Int("images", len(req.Images)).Msg("reference image upload failed")
		return nil, domain.UpstreamError(msgUploadFailed, 0, nil, err)
	}

	taskID, err := tasks.CreateTask(ctx, kie.CreateTaskRequest{
		Prompt:   req.Prompt,
		Size:     string(size),
		FilesURL: urls,
	})
	if err != nil {
		return nil, s.createError(err)
	}

	log := s.logger.With().Str("task_id", taskID).Str("user_id", userID).Logger()
	if userID != "" {
		// The task already exists upstream; finish the debit even if the
		// caller has gone away.
		balance, err := s.ledger.Debit(context.WithoutCancel(ctx), userID, taskID, 1)
		if err != nil {
			log.Warn().Err(err).Msg("credit debit failed after task creation")
		} else {
			log.Info().Int("balance", balance).Msg("credit debited")
		}
	}

	s.publish(ctx, events.SubjectTaskCreated, events.TaskEvent{
		TaskID: taskID,
		Status: string(domain.TaskStatusGenerating),
		UserID: userID,
		Size:   string(size),
		Images: len(urls),
	})
	log.Info().Int("images", len(urls)).Str("size", string(size)).Msg("generation task created")

	return &SubmitResult{
		Success: true,
		TaskID:  taskID,
		Status:  domain.TaskStatusGenerating,
		Message: msgTaskCreated,
	}, nil
}

// Status queries the provider once and normalizes the answer. On an observed
// failure an authenticated caller is refunded; the ledger makes that
// idempotent per task so overlapping polls refund at most once.
func (s *Service) Status(ctx context.Context, req StatusRequest) (*StatusResult, error) {
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.AccessToken = strings.TrimSpace(req.AccessToken)
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.ValidationError("Missing taskId parameter")
	}
	tasks, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		var apiErr *kie.APIError
		switch {
		case errors.Is(err, domain.ErrNotConfigured):
			return nil, domain.ConfigError(err)
		case errors.As(err, &apiErr):
			s.logger.Warn().Err(err).Str("task_id", req.TaskID).Msg("task status rejected upstream")
			return nil, domain.UpstreamError(msgFetchFailed, 0, apiErr.Details(), err)
		default:
			s.logger.Error().Err(err).Str("task_id", req.TaskID).Msg("task status request failed")
			return nil, domain.UpstreamError(msgCheckFailed, 0, nil, err)
		}
	}

	var failure string
	switch domain.NormalizeTaskStatus(rec.Status) {
	case domain.TaskStatusGenerating:
		return &StatusResult{Success: true, Status: domain.TaskStatusGenerating}, nil
	case domain.TaskStatusSuccess:
		if len(rec.ResultURLs) > 0 {
			s.publish(ctx, events.SubjectTaskSucceeded, events.TaskEvent{
				TaskID:    req.TaskID,
				Status:    string(domain.TaskStatusSuccess),
				ResultURL: rec.ResultURLs[0],
			})
			return &StatusResult{
				Success:        true,
				Status:         domain.TaskStatusSuccess,
				GeneratedImage: rec.ResultURLs[0],
			}, nil
		}
		failure = msgFormatError
	default:
		failure = rec.ErrorMessage
		if failure == "" {
			failure = msgGenericFailure
		}
	}
	return s.fail(ctx, req, rec.Status, failure)
}

func (s *Service) fail(ctx context.Context, req StatusRequest, upstreamStatus, message string) (*StatusResult, error) {
	ev := events.TaskEvent{
		TaskID: req.TaskID,
		Status: string(domain.TaskStatusFailed),
		Error:  message,
	}
	log := s.logger.With().Str("task_id", req.TaskID).Str("upstream_status", upstreamStatus).Logger()

	if req.AccessToken != "" {
		userID, err := s.resolve(ctx, req.AccessToken)
		if err != nil {
			return nil, err
		}
		ev.UserID = userID
		if s.ledger == nil {
			log.Warn().Str("user_id", userID).Msg("no ledger configured, refund skipped")
		} else {
			refunded, balance, err := s.ledger.Refund(context.WithoutCancel(ctx), userID, req.TaskID)
			switch {
			case err != nil:
				log.Error().Err(err).Str("user_id", userID).Msg("credit refund failed")
			case refunded:
				ev.Refunded = true
				log.Info().Str("user_id", userID).Int("balance", balance).Msg("credit refunded")
			default:
				log.Debug().Str("user_id", userID).Msg("nothing to refund")
			}
		}
	}

	s.publish(ctx, events.SubjectTaskFailed, ev)
	return &StatusResult{Success: false, Status: domain.TaskStatusFailed, Error: message}, nil
}

func (s *Service) ready(ctx context.Context) (TaskClient, error) {
	if s.provider == nil {
		return nil, domain.ConfigError(domain.ErrNotConfigured)
	}
	tasks, err := s.provider.Client(ctx)
	if err != nil {
		return nil, domain.ConfigError(err)
	}
	return tasks, nil
}

func (s *Service) resolve(ctx context.Context, token string) (string, error) {
	if s.users == nil {
		return "", domain.ConfigError(domain.ErrNotConfigured)
	}
	userID, err := s.users.ResolveUser(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotConfigured) {
			return "", domain.ConfigError(err)
		}
		return "", domain.AuthError(err)
	}
	return userID, nil
}

func (s *Service) authorize(ctx context.Context, token string) (string, error) {
	userID, err := s.resolve(ctx, token)
	if err != nil {
		return "", err
	}
	if s.ledger == nil {
		return "", domain.ConfigError(domain.ErrNotConfigured)
	}
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("credit balance lookup failed")
		return "", domain.UpstreamError(msgCreditsFailed, 0, nil, err)
	}
	if balance <= 0 {
		return "", domain.QuotaError()
	}
	return userID, nil
}

func (s *Service) verifyCaptcha(ctx context.Context, token, remoteIP string) error {
	if s.verifier == nil {
		return domain.ConfigError(domain.ErrNotConfigured)
	}
	ok, err := s.verifier.Verify(ctx, token, remoteIP)
	if err != nil {
		if errors.Is(err, domain.ErrNotConfigured) {
			return domain.ConfigError(err)
		}
		s.logger.Error().Err(err).Msg("turnstile verification request failed")
		return domain.UpstreamError(msgTurnstile, 0, nil, err)
	}
	if !ok {
		return domain.ValidationError(msgTurnstile)
	}
	return nil
}

// uploadImages re-hosts every non-URL image concurrently. The result keeps
// input order; any failure fails the whole batch.
func (s *Service) uploadImages(ctx context.Context, images []string) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	urls := make([]string, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(domain.MaxReferenceImages)
	for i, ref := range images {
		if domain.IsRemoteURL(ref) {
			urls[i] = strings.TrimSpace(ref)
			continue
		}
		g.Go(func() error {
			if s.host == nil {
				return fmt.Errorf("%w: image host", domain.ErrNotConfigured)
			}
			img, err := storage.DecodeImage(ref)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			url, err := s.host.Upload(gctx, img)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func (s *Service) createError(err error) error {
	var apiErr *kie.APIError
	switch {
	case errors.Is(err, domain.ErrNotConfigured):
		return domain.ConfigError(err)
	case errors.As(err, &apiErr):
		s.logger.Warn().Err(err).Int("upstream_status", apiErr.HTTPStatus).Msg("task creation rejected upstream")
		return domain.UpstreamError(msgCreateFailed, apiErr.HTTPStatus, apiErr.Details(), err)
	default:
		s.logger.Error().Err(err).Msg("task creation request failed")
		return domain.UpstreamError(msgCreateFailed, 0, nil, err)
	}
}

func (s *Service) publish(ctx context.Context, subject string, ev events.TaskEvent) {
	ev.OccurredAt = s.now().UTC()
	if err := s.events.Publish(context.WithoutCancel(ctx), subject, ev); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Str("task_id", ev.TaskID).Msg("lifecycle event not published")
	}
}
