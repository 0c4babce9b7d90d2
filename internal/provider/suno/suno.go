// Package suno adapts the Suno music API (kie.ai gateway) to provider.Adapter.
package suno

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/provider"
)

const (
	Name           = "suno"
	DefaultBaseURL = "https://api.kie.ai/api/v1"
	DefaultModel   = "V4_5"
)

// Kinds are the operations served by this adapter.
var Kinds = []models.OperationKind{
	models.OpGenerateMusic,
	models.OpExtendMusic,
	models.OpGenerateLyrics,
	models.OpSeparateVocals,
	models.OpSplitStems,
}

var errMalformed = errors.New("suno: malformed response")

type Config struct {
	BaseURL     string
	APIKey      string
	CallbackURL string
	RPS         float64
	Burst       int
}

type Adapter struct {
	client      *provider.Client
	callbackURL string
}

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	c := provider.NewClient(cfg.BaseURL, cfg.RPS, cfg.Burst)
	c.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	return &Adapter{client: c, callbackURL: cfg.CallbackURL}
}

var _ provider.Adapter = (*Adapter)(nil)
var _ provider.CallbackParser = (*Adapter)(nil)

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Submit(ctx context.Context, kind models.OperationKind, input json.RawMessage) (string, error) {
	path, body, err := a.request(kind, input)
	if err != nil {
		return "", err
	}
	data, err := a.client.Do(ctx, http.MethodPost, path, json.RawMessage(body))
	if err != nil {
		return "", err
	}
	if err := checkCode(data); err != nil {
		return "", err
	}
	id := gjson.GetBytes(data, "data.taskId").String()
	if id == "" {
		return "", fmt.Errorf("%w: missing data.taskId", errMalformed)
	}
	return id, nil
}

// request builds the endpoint path and body for kind from the caller's input.
func (a *Adapter) request(kind models.OperationKind, input json.RawMessage) (string, []byte, error) {
	body := []byte(input)
	if len(body) == 0 {
		body = []byte("{}")
	}
	var err error
	if a.callbackURL != "" {
		if body, err = sjson.SetBytes(body, "callBackUrl", a.callbackURL); err != nil {
			return "", nil, err
		}
	}
	switch kind {
	case models.OpGenerateMusic, models.OpExtendMusic:
		if !gjson.GetBytes(body, "model").Exists() {
			if body, err = sjson.SetBytes(body, "model", DefaultModel); err != nil {
				return "", nil, err
			}
		}
		if kind == models.OpExtendMusic {
			return "/generate/extend", body, nil
		}
		return "/generate", body, nil
	case models.OpGenerateLyrics:
		return "/lyrics", body, nil
	case models.OpSeparateVocals:
		body, err = sjson.SetBytes(body, "type", "separate_vocal")
		return "/vocal-removal/generate", body, err
	case models.OpSplitStems:
		body, err = sjson.SetBytes(body, "type", "split_stem")
		return "/vocal-removal/generate", body, err
	}
	return "", nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedOperation, kind)
}

// Poll reads the record-info endpoint of the kind's operation family. Vocal
// separation records report their state in successFlag rather than status.
func (a *Adapter) Poll(ctx context.Context, kind models.OperationKind, externalID string) (provider.Status, error) {
	path, field := recordInfo(kind)
	data, err := a.client.Do(ctx, http.MethodGet, path+"?taskId="+url.QueryEscape(externalID), nil)
	if err != nil {
		return nil, err
	}
	if err := checkCode(data); err != nil {
		return nil, err
	}
	rec := gjson.GetBytes(data, "data")
	if !rec.Exists() {
		return nil, fmt.Errorf("%w: missing data", errMalformed)
	}
	status := rec.Get(field).String()
	if status == "" {
		return nil, fmt.Errorf("%w: missing data.%s", errMalformed, field)
	}
	return normalize(status, rec.Get("response"), rec.Get("errorMessage").String()), nil
}

// recordInfo returns the status endpoint for kind and the field holding the state.
func recordInfo(kind models.OperationKind) (string, string) {
	switch kind {
	case models.OpSeparateVocals, models.OpSplitStems:
		return "/vocal-removal/record-info", "successFlag"
	case models.OpGenerateLyrics:
		return "/lyrics/record-info", "status"
	}
	return "/generate/record-info", "status"
}

// ParseCallback handles the push body Suno sends to callBackUrl.
func (a *Adapter) ParseCallback(body []byte) (string, provider.Status, error) {
	if !gjson.ValidBytes(body) {
		return "", nil, fmt.Errorf("%w: invalid json", errMalformed)
	}
	doc := gjson.ParseBytes(body)
	id := doc.Get("data.task_id").String()
	if id == "" {
		id = doc.Get("data.taskId").String()
	}
	if id == "" {
		return "", nil, fmt.Errorf("%w: missing task id", errMalformed)
	}
	if code := doc.Get("code").Int(); code != 0 && code != 200 {
		return id, provider.Failed{Reason: fmt.Sprintf("code %d: %s", code, doc.Get("msg").String())}, nil
	}
	switch doc.Get("data.callbackType").String() {
	case "complete":
		return id, provider.Succeeded{Result: json.RawMessage(doc.Get("data.data").Raw)}, nil
	case "error":
		return id, provider.Failed{Reason: doc.Get("msg").String()}, nil
	case "first":
		return id, provider.Processing{Progress: "FIRST_SUCCESS"}, nil
	case "text":
		return id, provider.Processing{Progress: "TEXT_SUCCESS"}, nil
	}
	return id, provider.Processing{Progress: doc.Get("data.callbackType").String()}, nil
}

// normalize maps Suno's record status onto the uniform status union.
func normalize(status string, response gjson.Result, errMsg string) provider.Status {
	switch status {
	case "SUCCESS":
		result := json.RawMessage(response.Raw)
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return provider.Succeeded{Result: result}
	case "CREATE_TASK_FAILED", "GENERATE_AUDIO_FAILED", "GENERATE_LYRICS_FAILED", "CALLBACK_EXCEPTION", "SENSITIVE_WORD_ERROR":
		reason := status
		if errMsg != "" {
			reason = status + ": " + errMsg
		}
		return provider.Failed{Reason: reason}
	}
	// PENDING, TEXT_SUCCESS, FIRST_SUCCESS and anything new.
	return provider.Processing{Progress: status}
}

func checkCode(data []byte) error {
	code := gjson.GetBytes(data, "code")
	if !code.Exists() {
		return nil
	}
	if code.Int() != 200 {
		return fmt.Errorf("suno: code %d: %s", code.Int(), gjson.GetBytes(data, "msg").String())
	}
	return nil
}
