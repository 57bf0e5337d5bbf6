// CloudConvert [Provider] implementation
//
// Jobs chain three tasks: import/url fetches the source, convert produces the
// audio file and export/url publishes a temporary download link.
package services

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
	"golang.org/x/oauth2"
)

const (
	defaultCloudConvertURL = "https://api.cloudconvert.com/v2"
	defaultPollInterval    = 2 * time.Second
	defaultJobTimeout      = 5 * time.Minute
)

// CloudConvertEnv selects one CloudConvert account.
type CloudConvertEnv struct {
	Name    string // production or sandbox
	APIKey  string
	BaseURL string
}

// Environments returns the configured production and sandbox accounts, skipping those without a key.
func Environments(cfg shared.CloudConvertConfig) []CloudConvertEnv {
	var envs []CloudConvertEnv
	if cfg.ProductionKey != "" {
		envs = append(envs, CloudConvertEnv{Name: "production", APIKey: cfg.ProductionKey, BaseURL: cfg.ProductionURL})
	}
	if cfg.SandboxKey != "" {
		envs = append(envs, CloudConvertEnv{Name: "sandbox", APIKey: cfg.SandboxKey, BaseURL: cfg.SandboxURL})
	}
	return envs
}

// CloudConvertProvider converts through asynchronous CloudConvert jobs.
type CloudConvertProvider struct {
	env          string
	baseURL      string
	sourceURL    string
	outputFormat string
	pollInterval time.Duration
	jobTimeout   time.Duration
	client       *APIClient
	logger       *log.Logger
	now          func() time.Time
}

// NewCloudConvertProvider creates a provider for env. Requests carry the API key as a bearer token.
func NewCloudConvertProvider(env CloudConvertEnv, cfg shared.CloudConvertConfig, base *http.Client, logger *log.Logger) *CloudConvertProvider {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	if base == nil {
		base = &http.Client{}
	}

	baseURL := strings.TrimRight(env.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultCloudConvertURL
	}

	p := &CloudConvertProvider{
		env:          env.Name,
		baseURL:      baseURL,
		sourceURL:    cfg.SourceURLTemplate,
		outputFormat: cfg.OutputFormat,
		pollInterval: cfg.PollInterval,
		jobTimeout:   cfg.JobTimeout,
		logger:       logger.With("provider", "cloudconvert", "env", env.Name),
		now:          time.Now,
	}
	if p.sourceURL == "" {
		p.sourceURL = "https://www.youtube.com/watch?v=%s"
	}
	if p.outputFormat == "" {
		p.outputFormat = "mp3"
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	if p.jobTimeout <= 0 {
		p.jobTimeout = defaultJobTimeout
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: env.APIKey, TokenType: "Bearer"}))
	p.client = NewAPIClient(authed, cfg.RateLimit, cfg.Timeout)
	return p
}

func (p *CloudConvertProvider) Name() string { return "cloudconvert-" + p.env }

type ccTask struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Operation string `json:"operation"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Result    *struct {
		Files []struct {
			Filename string `json:"filename"`
			URL      string `json:"url"`
			Size     int64  `json:"size"`
		} `json:"files"`
	} `json:"result"`
}

type ccJob struct {
	Data struct {
		ID     string   `json:"id"`
		Status string   `json:"status"`
		Tasks  []ccTask `json:"tasks"`
	} `json:"data"`
}

// Submit creates an import, convert and export job for mediaID.
func (p *CloudConvertProvider) Submit(ctx context.Context, mediaID string) (*models.ConversionJob, error) {
	payload := map[string]any{
		"tag": mediaID,
		"tasks": map[string]any{
			"import-source": map[string]any{
				"operation": "import/url",
				"url":       fmt.Sprintf(p.sourceURL, mediaID),
			},
			"convert-audio": map[string]any{
				"operation":     "convert",
				"input":         "import-source",
				"output_format": p.outputFormat,
			},
			"export-link": map[string]any{
				"operation": "export/url",
				"input":     "convert-audio",
			},
		},
	}

	job, err := p.request(ctx, http.MethodPost, p.baseURL+"/jobs", payload)
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: %s: job id missing from response", shared.ErrProviderError, p.Name())
	}

	p.logger.Debug("submitted job", "job_id", job.ID, "media_id", mediaID)
	return job, nil
}

// Poll reads the current state of a job.
func (p *CloudConvertProvider) Poll(ctx context.Context, jobID string) (*models.ConversionJob, error) {
	return p.request(ctx, http.MethodGet, p.baseURL+"/jobs/"+jobID, nil)
}

func (p *CloudConvertProvider) request(ctx context.Context, method, url string, payload any) (*models.ConversionJob, error) {
	resp, err := p.client.Do(ctx, method, url, nil, payload)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError(p.Name(), resp)
	}

	var job ccJob
	if err := decodeJSON(resp.Body, &job); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrProviderError, p.Name(), err)
	}
	return toConversionJob(job), nil
}

func toConversionJob(job ccJob) *models.ConversionJob {
	out := &models.ConversionJob{
		ID:     job.Data.ID,
		Status: models.ParseJobStatus(job.Data.Status),
	}

	for _, task := range job.Data.Tasks {
		if task.Status == "error" && out.Message == "" {
			out.Message = fmt.Sprintf("task %s failed: %s", task.Name, task.Message)
		}
		if task.Operation != "export/url" || task.Result == nil {
			continue
		}
		for _, f := range task.Result.Files {
			if f.URL != "" {
				out.Link = f.URL
				out.Title = strings.TrimSuffix(f.Filename, path.Ext(f.Filename))
				break
			}
		}
	}
	return out
}

// Convert submits a job and polls it until it finishes, fails or exceeds the job timeout.
func (p *CloudConvertProvider) Convert(ctx context.Context, mediaID string) (*models.ConversionResult, error) {
	if strings.TrimSpace(mediaID) == "" {
		return nil, fmt.Errorf("%w: media id is required", shared.ErrInvalidInput)
	}

	job, err := p.Submit(ctx, mediaID)
	if err != nil {
		return nil, err
	}

	deadline := p.now().Add(p.jobTimeout)
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	for {
		switch job.Status {
		case models.JobFinished:
			if job.Link == "" {
				return nil, fmt.Errorf("%w: %s: job %s finished without an export link", shared.ErrProviderError, p.Name(), job.ID)
			}
			p.logger.Debug("job finished", "job_id", job.ID)
			return &models.ConversionResult{Link: job.Link, Title: job.Title, Ready: true}, nil
		case models.JobError:
			msg := job.Message
			if msg == "" {
				msg = "job failed"
			}
			return nil, fmt.Errorf("%w: %s: %s", shared.ErrProviderError, p.Name(), msg)
		}

		if !p.now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s job %s after %s", shared.ErrJobTimeout, p.Name(), job.ID, p.jobTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		timer.Reset(p.pollInterval)

		next, err := p.Poll(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		job = next
	}
}
