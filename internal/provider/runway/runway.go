// Package runway adapts the Runway image and video API to provider.Adapter.
// Runway has no push delivery, so tasks are settled by polling only.
package runway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/provider"
)

const (
	Name           = "runway"
	DefaultBaseURL = "https://api.dev.runwayml.com/v1"
	APIVersion     = "2024-11-06"
)

var Kinds = []models.OperationKind{
	models.OpGenerateImage,
	models.OpGenerateVideo,
	models.OpImageToVideo,
	models.OpUpscaleVideo,
}

// endpoint and default model per operation.
var routes = map[models.OperationKind]struct {
	path  string
	model string
}{
	models.OpGenerateImage: {"/text_to_image", "gen4_image"},
	models.OpGenerateVideo: {"/text_to_video", "gen4_turbo"},
	models.OpImageToVideo:  {"/image_to_video", "gen4_turbo"},
	models.OpUpscaleVideo:  {"/video_upscale", "upscale_v1"},
}

type Config struct {
	BaseURL string
	APIKey  string
	RPS     float64
	Burst   int
}

type Adapter struct {
	client *provider.Client
}

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	c := provider.NewClient(cfg.BaseURL, cfg.RPS, cfg.Burst)
	c.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	c.Header.Set("X-Runway-Version", APIVersion)
	return &Adapter{client: c}
}

var _ provider.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Submit(ctx context.Context, kind models.OperationKind, input json.RawMessage) (string, error) {
	route, ok := routes[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", provider.ErrUnsupportedOperation, kind)
	}
	body := []byte(input)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.GetBytes(body, "model").Exists() {
		var err error
		if body, err = sjson.SetBytes(body, "model", route.model); err != nil {
			return "", err
		}
	}
	data, err := a.client.Do(ctx, http.MethodPost, route.path, json.RawMessage(body))
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(data, "id").String()
	if id == "" {
		return "", fmt.Errorf("runway: malformed response: missing id")
	}
	return id, nil
}

func (a *Adapter) Poll(ctx context.Context, _ models.OperationKind, externalID string) (provider.Status, error) {
	data, err := a.client.Do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(data)
	switch status := doc.Get("status").String(); status {
	case "SUCCEEDED":
		output := doc.Get("output").Raw
		if output == "" {
			output = "[]"
		}
		return provider.Succeeded{Result: json.RawMessage(output)}, nil
	case "FAILED", "CANCELLED":
		reason := doc.Get("failure").String()
		if code := doc.Get("failureCode").String(); code != "" {
			reason = code + ": " + reason
		}
		if reason == "" {
			reason = status
		}
		return provider.Failed{Reason: reason}, nil
	case "":
		return nil, fmt.Errorf("runway: malformed response: missing status")
	default:
		progress := status
		if p := doc.Get("progress"); p.Exists() {
			progress = status + " " + strconv.Itoa(int(p.Float()*100)) + "%"
		}
		return provider.Processing{Progress: progress}, nil
	}
}
