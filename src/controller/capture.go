package controller

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	logger "github.com/sirupsen/logrus"

	"marginengine/src/model"
	"marginengine/src/repository"
)

const (
	LevelWarn  = "warn"
	LevelError = "error"
)

// Capture records a system exception, logs it locally, and optionally
// persists it in the database.
func Capture(
	ctx context.Context,
	repo *repository.ExceptionRepository,
	service string,
	module string,
	method string,
	level string,
	err error,
	contextData map[string]interface{},
) {

	if err == nil {
		return
	}

	var ctxJSON string
	if contextData != nil {
		if b, e := json.Marshal(contextData); e == nil {
			ctxJSON = string(b)
		}
	}

	exc := &model.Exception{
		Service:   service,
		Module:    module,
		Method:    method,
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
		Level:     level,
		Context:   ctxJSON,
		CreatedAt: time.Now(),
	}

	entry := logger.WithFields(map[string]interface{}{
		"service": service,
		"module":  module,
		"method":  method,
		"level":   level,
	}).WithError(err)
	if level == LevelWarn {
		entry.Warn("System exception captured")
	} else {
		entry.Error("System exception captured")
	}

	if repo != nil {
		if e := repo.Create(ctx, exc); e != nil {
			logger.WithError(e).Error("Failed to persist exception")
		}
	}
}

// Capturer binds Capture to one repository and service name, for components that take an
// error reporter (pricing.Engine, the connectors).
type Capturer struct {
	repo    *repository.ExceptionRepository
	service string
	level   string
}

func NewCapturer(repo *repository.ExceptionRepository, service string) *Capturer {
	return &Capturer{repo: repo, service: service, level: LevelError}
}

// AtLevel returns a copy that records at level.
func (c *Capturer) AtLevel(level string) *Capturer {
	cp := *c
	cp.level = level
	return &cp
}

func (c *Capturer) Report(ctx context.Context, module, method string, err error, data map[string]interface{}) {
	Capture(ctx, c.repo, c.service, module, method, c.level, err, data)
}
